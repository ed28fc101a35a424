package onvif

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

const securityTemplate = `<wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">` +
	`<wsse:UsernameToken>` +
	`<wsse:Username>%s</wsse:Username>` +
	`<wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</wsse:Password>` +
	`<wsse:Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</wsse:Nonce>` +
	`<wsu:Created>%s</wsu:Created>` +
	`</wsse:UsernameToken>` +
	`</wsse:Security>`

// securityHeader generates the WS-UsernameToken header required on every
// request. PasswordDigest = Base64(SHA1(nonce + created + password)).
// Ensure the system clock is synced; large drift makes cameras reject the token.
func securityHeader(username, password string, now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	created := now.UTC().Format("2006-01-02T15:04:05.000Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(securityTemplate,
		username,
		digest,
		base64.StdEncoding.EncodeToString(nonce),
		created,
	), nil
}
