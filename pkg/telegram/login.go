package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

// TerminalLogin signs a user account in by prompting on the terminal
type TerminalLogin struct {
	PhoneNumber string
	in          *bufio.Reader
	out         io.Writer
}

var _ auth.UserAuthenticator = (*TerminalLogin)(nil)

// NewTerminalLogin prompts on stdin/stderr; phone may be empty to prompt for it too
func NewTerminalLogin(phone string) *TerminalLogin {
	return &TerminalLogin{PhoneNumber: phone, in: bufio.NewReader(os.Stdin), out: os.Stderr}
}

func (t *TerminalLogin) prompt(label string) (string, error) {
	fmt.Fprint(t.out, label)
	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (t *TerminalLogin) Phone(ctx context.Context) (string, error) {
	if t.PhoneNumber != "" {
		return t.PhoneNumber, nil
	}
	return t.prompt("Phone number (international format): ")
}

func (t *TerminalLogin) Password(ctx context.Context) (string, error) {
	fmt.Fprint(t.out, "2FA password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(t.out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return t.prompt("")
}

func (t *TerminalLogin) Code(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	return t.prompt("Login code sent by Telegram: ")
}

func (t *TerminalLogin) AcceptTermsOfService(ctx context.Context, tos tg.HelpTermsOfService) error {
	return errors.New("account must accept the terms of service in an official client first")
}

func (t *TerminalLogin) SignUp(ctx context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("signing up a new account is not supported")
}
