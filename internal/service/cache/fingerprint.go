package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Request identifies one upstream call for caching purposes.
type Request struct {
	Provider string
	Endpoint string
	Query    url.Values
	Window   string
	DataType string
}

// credentialParams never take part in a fingerprint.
var credentialParams = map[string]struct{}{
	"api_key": {}, "apikey": {}, "key": {}, "token": {}, "access_token": {},
	"secret": {}, "api_secret": {}, "signature": {}, "passphrase": {},
	"password": {}, "auth": {}, "timestamp": {}, "recvwindow": {},
}

// NormalizeQuery sorts parameters by key and drops credentials and signing
// fields, so the same logical request always yields the same string.
func NormalizeQuery(q url.Values) string {
	clean := url.Values{}
	for k, vs := range q {
		if _, drop := credentialParams[strings.ToLower(k)]; drop {
			continue
		}
		clean[k] = vs
	}
	return clean.Encode()
}

// Fingerprint is sha256(provider, endpoint, normalized query, window) with
// 0x1f separators, hex encoded.
func Fingerprint(r Request) string {
	h := sha256.New()
	h.Write([]byte(r.Provider))
	h.Write([]byte{0x1f})
	h.Write([]byte(r.Endpoint))
	h.Write([]byte{0x1f})
	h.Write([]byte(NormalizeQuery(r.Query)))
	h.Write([]byte{0x1f})
	h.Write([]byte(r.Window))
	return hex.EncodeToString(h.Sum(nil))
}

// Window renders a day range for fingerprints.
func Window(from, to time.Time) string {
	return from.UTC().Format("2006-01-02") + "/" + to.UTC().Format("2006-01-02")
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
