package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the subset of *ssm.Client the store uses
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	PutParameter(ctx context.Context, in *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameters(ctx context.Context, in *ssm.DeleteParametersInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParametersOutput, error)
}

// SSMStore keeps accounts in AWS Systems Manager Parameter Store as
// <prefix><name>/api_id, <prefix><name>/api_hash and <prefix><name>/phone.
type SSMStore struct {
	api     ssmAPI
	prefix  string
	timeout time.Duration
}

// NewSSMStore wraps an SSM client. prefix defaults to /tgingest/.
func NewSSMStore(api ssmAPI, prefix string) (*SSMStore, error) {
	if api == nil {
		return nil, errors.New("ssm store: api must not be nil")
	}
	if prefix == "" {
		prefix = "/tgingest/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SSMStore{api: api, prefix: prefix, timeout: 10 * time.Second}, nil
}

func (s *SSMStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *SSMStore) param(name, field string) string {
	return s.prefix + name + "/" + field
}

func (s *SSMStore) Store(account *Account) error {
	if account == nil || account.Name == "" {
		return ErrInvalidCredentials
	}
	ctx, cancel := s.ctx()
	defer cancel()

	values := map[string]string{
		"api_id":   strconv.Itoa(account.APIID),
		"api_hash": account.APIHash,
	}
	if account.Phone != "" {
		values["phone"] = account.Phone
	}
	for field, value := range values {
		_, err := s.api.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(s.param(account.Name, field)),
			Value:     aws.String(value),
			Type:      types.ParameterTypeSecureString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("ssm store: put %s: %w", field, err)
		}
	}
	return nil
}

func (s *SSMStore) Retrieve(name string) (*Account, error) {
	if name == "" {
		return nil, ErrInvalidCredentials
	}
	ctx, cancel := s.ctx()
	defer cancel()

	out, err := s.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
		Path:           aws.String(s.prefix + name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ssm store: get %s: %w", name, err)
	}
	account := &Account{Name: name}
	for _, p := range out.Parameters {
		if err := s.apply(account, p); err != nil {
			return nil, err
		}
	}
	if account.APIID == 0 || account.APIHash == "" {
		return nil, ErrCredentialsNotFound
	}
	return account, nil
}

func (s *SSMStore) apply(account *Account, p types.Parameter) error {
	value := aws.ToString(p.Value)
	switch aws.ToString(p.Name)[strings.LastIndex(aws.ToString(p.Name), "/")+1:] {
	case "api_id":
		id, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("ssm store: %w: %s api_id: %w", ErrMalformedCredentials, aws.ToString(p.Name), err)
		}
		account.APIID = id
	case "api_hash":
		account.APIHash = value
	case "phone":
		account.Phone = value
	}
	if p.LastModifiedDate != nil && p.LastModifiedDate.After(account.LastModified) {
		account.LastModified = *p.LastModifiedDate
	}
	return nil
}

// List walks every parameter under the prefix
func (s *SSMStore) List() ([]*Account, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	byName := make(map[string]*Account)
	var order []string
	var next *string
	for {
		out, err := s.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(strings.TrimSuffix(s.prefix, "/")),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return nil, fmt.Errorf("ssm store: list: %w", err)
		}
		for _, p := range out.Parameters {
			rel := strings.TrimPrefix(aws.ToString(p.Name), s.prefix)
			i := strings.LastIndex(rel, "/")
			if i <= 0 {
				continue
			}
			name := rel[:i]
			acc, ok := byName[name]
			if !ok {
				acc = &Account{Name: name}
				byName[name] = acc
				order = append(order, name)
			}
			if err := s.apply(acc, p); err != nil {
				return nil, err
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	accounts := make([]*Account, 0, len(order))
	for _, name := range order {
		if acc := byName[name]; acc.APIID != 0 && acc.APIHash != "" {
			accounts = append(accounts, acc)
		}
	}
	return accounts, nil
}

func (s *SSMStore) Delete(name string) error {
	if name == "" {
		return ErrInvalidCredentials
	}
	ctx, cancel := s.ctx()
	defer cancel()

	out, err := s.api.DeleteParameters(ctx, &ssm.DeleteParametersInput{
		Names: []string{s.param(name, "api_id"), s.param(name, "api_hash"), s.param(name, "phone")},
	})
	if err != nil {
		return fmt.Errorf("ssm store: delete %s: %w", name, err)
	}
	if len(out.DeletedParameters) == 0 {
		return ErrCredentialsNotFound
	}
	return nil
}

func (s *SSMStore) Exists(name string) bool {
	_, err := s.Retrieve(name)
	return err == nil
}
