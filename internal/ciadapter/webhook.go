package ciadapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// VerifyGitLabWebhook checks the shared-secret header GitLab sends with
// every webhook request. GitLab does not sign the body; it just echoes
// the configured secret back in X-Gitlab-Token, so this is a constant-time
// string comparison rather than an HMAC.
func VerifyGitLabWebhook(r *http.Request, secret string) error {
	got := r.Header.Get("X-Gitlab-Token")
	if got == "" {
		return fmt.Errorf("missing X-Gitlab-Token header")
	}
	if !hmac.Equal([]byte(got), []byte(secret)) {
		return fmt.Errorf("invalid X-Gitlab-Token")
	}
	return nil
}

// VerifyGitHubWebhook checks the X-Hub-Signature-256 HMAC-SHA256 digest of
// body against secret, the same verification ReleaseParty's githubapp
// package performs for its own webhook endpoint.
func VerifyGitHubWebhook(body []byte, signatureHeader, secret string) error {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return fmt.Errorf("missing webhook signature header")
	}
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) {
		return fmt.Errorf("unsupported signature scheme")
	}
	wantHex := strings.TrimPrefix(sig, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	gotHex := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHex), []byte(gotHex)) {
		return fmt.Errorf("invalid webhook signature")
	}
	return nil
}
