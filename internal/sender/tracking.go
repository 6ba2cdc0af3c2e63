package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Tracker derives open and unsubscribe references from an email record id.
// The same id always yields the same references.
type Tracker struct {
	BaseURL string
	Secret  []byte
}

func NewTracker(baseURL, secret string) Tracker {
	t := Tracker{BaseURL: strings.TrimRight(baseURL, "/")}
	if secret != "" {
		t.Secret = []byte(secret)
	}
	return t
}

func (t Tracker) OpenURL(emailID string) string {
	return t.BaseURL + "/track/open/" + url.PathEscape(emailID) + t.query(emailID)
}

func (t Tracker) UnsubscribeURL(emailID string) string {
	return t.BaseURL + "/unsubscribe/" + url.PathEscape(emailID) + t.query(emailID)
}

func (t Tracker) query(emailID string) string {
	if len(t.Secret) == 0 {
		return ""
	}
	return "?sig=" + t.Sign(emailID)
}

// Sign returns the first 16 hex chars of HMAC-SHA256(id).
func (t Tracker) Sign(emailID string) string {
	mac := hmac.New(sha256.New, t.Secret)
	mac.Write([]byte(emailID))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Verify accepts any signature when no secret is configured.
func (t Tracker) Verify(emailID, sig string) bool {
	if len(t.Secret) == 0 {
		return true
	}
	return hmac.Equal([]byte(t.Sign(emailID)), []byte(sig))
}

// Instrument appends the open pixel and unsubscribe link, inside </body>
// when the document has one.
func (t Tracker) Instrument(html, emailID string) string {
	// Resubmitted records already carry their instrumentation.
	if strings.Contains(html, t.OpenURL(emailID)) {
		return html
	}
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none;" alt="" />`, t.OpenURL(emailID))
	unsub := fmt.Sprintf(`<p style="font-size:12px;color:#888;margin-top:20px;"><a href="%s" style="color:#888;">Unsubscribe</a></p>`, t.UnsubscribeURL(emailID))
	footer := "\n" + pixel + "\n" + unsub

	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + footer + "\n" + html[i:]
	}
	return html + footer
}
