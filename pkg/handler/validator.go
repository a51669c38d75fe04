package handler

import (
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// ValidateSlackRequest verifies the Slack request signature and timestamp.
// See: https://api.slack.com/authentication/verifying-requests-from-slack
func ValidateSlackRequest(body []byte, headers map[string]string, signingKey string) error {
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	verifier, err := slack.NewSecretsVerifier(header, signingKey)
	if err != nil {
		return fmt.Errorf("verify slack request: %w", err)
	}
	if _, err := verifier.Write(body); err != nil {
		return fmt.Errorf("verify slack request: %w", err)
	}
	if err := verifier.Ensure(); err != nil {
		return fmt.Errorf("verify slack request: %w", err)
	}
	return nil
}
