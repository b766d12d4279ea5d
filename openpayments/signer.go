package openpayments

import (
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const signatureLabel = "sig1"

// Signer produces HTTP message signatures (RFC 9421) with an Ed25519 key,
// the scheme Open Payments authorization servers verify against the client
// wallet's published keys.
type Signer struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	Now        func() time.Time
}

func NewSigner(keyID string, key ed25519.PrivateKey) (*Signer, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, fmt.Errorf("openpayments: signing key id is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("openpayments: invalid ed25519 private key")
	}
	return &Signer{KeyID: keyID, PrivateKey: key, Now: time.Now}, nil
}

// LoadSigner reads a PKCS#8 PEM key from path. The file may hold the PEM
// text or its base64 encoding.
func LoadSigner(keyID string, path string) (*Signer, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("openpayments: read private key: %w", err)
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyID, key)
}

func ParsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("openpayments: private key is neither pem nor base64 pem")
		}
		block, _ = pem.Decode(decoded)
		if block == nil {
			return nil, fmt.Errorf("openpayments: private key is not pem encoded")
		}
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("openpayments: parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("openpayments: private key is %T, want ed25519", parsed)
	}
	return key, nil
}

// Sign sets Content-Digest (when there is a body), Signature-Input and
// Signature on req.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if s == nil || len(s.PrivateKey) == 0 {
		return fmt.Errorf("openpayments: signer is not configured")
	}
	components := []string{"@method", "@target-uri"}
	if req.Header.Get("Authorization") != "" {
		components = append(components, "authorization")
	}
	if len(body) > 0 {
		digest := sha512.Sum512(body)
		req.Header.Set("Content-Digest", "sha-512=:"+base64.StdEncoding.EncodeToString(digest[:])+":")
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		components = append(components, "content-digest", "content-length", "content-type")
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	params := signatureParams(components, now().Unix(), s.KeyID)
	base, err := signatureBase(req, components, params)
	if err != nil {
		return err
	}
	signature := ed25519.Sign(s.PrivateKey, []byte(base))
	req.Header.Set("Signature-Input", signatureLabel+"="+params)
	req.Header.Set("Signature", signatureLabel+"=:"+base64.StdEncoding.EncodeToString(signature)+":")
	return nil
}

func signatureParams(components []string, created int64, keyID string) string {
	quoted := make([]string, 0, len(components))
	for _, component := range components {
		quoted = append(quoted, strconv.Quote(component))
	}
	return fmt.Sprintf("(%s);created=%d;keyid=%s", strings.Join(quoted, " "), created, strconv.Quote(keyID))
}

func signatureBase(req *http.Request, components []string, params string) (string, error) {
	var b strings.Builder
	for _, component := range components {
		var value string
		switch component {
		case "@method":
			value = strings.ToUpper(req.Method)
		case "@target-uri":
			value = targetURI(req)
		case "content-length":
			value = strings.TrimSpace(req.Header.Get(component))
			if value == "" && req.ContentLength > 0 {
				value = strconv.FormatInt(req.ContentLength, 10)
			}
		default:
			value = strings.TrimSpace(req.Header.Get(component))
		}
		if value == "" {
			return "", fmt.Errorf("openpayments: component %q is required for signing", component)
		}
		fmt.Fprintf(&b, "%q: %s\n", component, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params)
	return b.String(), nil
}

// targetURI rebuilds the absolute request URI on the server side, where
// req.URL only carries the path.
func targetURI(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + req.URL.RequestURI()
}

// VerifySignature checks a request signed by Sign. It exists for tests and
// for servers that want to validate callbacks signed with the same scheme.
func VerifySignature(req *http.Request, publicKey ed25519.PublicKey) error {
	input := req.Header.Get("Signature-Input")
	signature := req.Header.Get("Signature")
	prefix := signatureLabel + "="
	if !strings.HasPrefix(input, prefix) || !strings.HasPrefix(signature, prefix) {
		return fmt.Errorf("openpayments: missing %s signature", signatureLabel)
	}
	params := strings.TrimPrefix(input, prefix)
	end := strings.Index(params, ")")
	if !strings.HasPrefix(params, "(") || end < 0 {
		return fmt.Errorf("openpayments: malformed signature input")
	}
	var components []string
	for _, field := range strings.Fields(params[1:end]) {
		unquoted, err := strconv.Unquote(field)
		if err != nil {
			return fmt.Errorf("openpayments: malformed signature component %s", field)
		}
		components = append(components, unquoted)
	}
	base, err := signatureBase(req, components, params)
	if err != nil {
		return err
	}
	encoded := strings.Trim(strings.TrimPrefix(signature, prefix), ":")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("openpayments: malformed signature: %w", err)
	}
	if !ed25519.Verify(publicKey, []byte(base), raw) {
		return fmt.Errorf("openpayments: signature mismatch")
	}
	return nil
}
