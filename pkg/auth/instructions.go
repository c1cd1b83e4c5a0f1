package auth

import (
	"fmt"
	"io"
	"strings"
)

// ShowAPICredentialsGuide explains where the api id and hash come from
func ShowAPICredentialsGuide(w io.Writer) {
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "TELEGRAM API CREDENTIALS")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Channel history is read through the MTProto user API, which needs an")
	fmt.Fprintln(w, "application id and hash tied to your Telegram account.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STEP 1: Open https://my.telegram.org and log in with your phone number")
	fmt.Fprintln(w, "STEP 2: Choose \"API development tools\"")
	fmt.Fprintln(w, "STEP 3: Create an application (any title and short name will do)")
	fmt.Fprintln(w, "STEP 4: Copy \"App api_id\" (a number) and \"App api_hash\" (32 hex characters)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Then store them:")
	fmt.Fprintln(w, "   tgingest auth set --api-id 123456 --api-hash 0123456789abcdef0123456789abcdef")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "or export TELEGRAM_API_ID and TELEGRAM_API_HASH. The first run asks for the")
	fmt.Fprintln(w, "login code Telegram sends you; run `tgingest auth login` to do that up front.")
	fmt.Fprintln(w, "The session is saved to telegram.session_file and reused afterwards.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Keep the api hash and session file private; they grant full account access.")
	fmt.Fprintln(w, rule)
}

// ValidateAPIHash checks the format my.telegram.org issues
func ValidateAPIHash(hash string) error {
	if len(hash) != 32 {
		return fmt.Errorf("api hash must be 32 characters, got %d", len(hash))
	}
	for _, c := range hash {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return fmt.Errorf("api hash must be hexadecimal")
		}
	}
	return nil
}
