package mqterm

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA-1 interop
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrSCRAMServerNonce     = errors.New("scram: server nonce does not extend client nonce")
	ErrSCRAMServerSignature = errors.New("scram: server signature mismatch")
	ErrSCRAMMessage         = errors.New("scram: malformed server message")
)

// SCRAMHash selects the SCRAM digest.
type SCRAMHash int

const (
	SCRAMHashSHA256 SCRAMHash = iota
	SCRAMHashSHA512
	SCRAMHashSHA1
)

func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

func (h SCRAMHash) new() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

type scramState struct {
	clientFirstBare string
	clientNonce     string
	serverSignature []byte
}

// SCRAMClient authenticates with SCRAM (RFC 5802) over AUTH packets.
type SCRAMClient struct {
	Hash     SCRAMHash
	Username string
	Password string

	nonce func() (string, error)
}

// NewSCRAMClient returns a SCRAM client authenticator.
func NewSCRAMClient(hash SCRAMHash, username, password string) *SCRAMClient {
	return &SCRAMClient{Hash: hash, Username: username, Password: password, nonce: scramNonce}
}

func (s *SCRAMClient) AuthMethod() string { return s.Hash.String() }

// AuthStart emits client-first-message.
func (s *SCRAMClient) AuthStart(_ context.Context) (*AuthStep, error) {
	nonce, err := s.nonce()
	if err != nil {
		return nil, err
	}
	bare := "n=" + scramEscape(s.Username) + ",r=" + nonce
	return &AuthStep{
		Data:  []byte("n,," + bare),
		State: &scramState{clientFirstBare: bare, clientNonce: nonce},
	}, nil
}

// AuthContinue answers server-first-message with client-final-message.
func (s *SCRAMClient) AuthContinue(_ context.Context, ch *AuthChallenge) (*AuthStep, error) {
	st, ok := ch.State.(*scramState)
	if !ok || st == nil {
		return nil, fmt.Errorf("%w: no exchange in progress", ErrAuthExchange)
	}

	attrs := scramAttrs(string(ch.Data))
	nonce := attrs["r"]
	if !strings.HasPrefix(nonce, st.clientNonce) || len(nonce) == len(st.clientNonce) {
		return nil, ErrSCRAMServerNonce
	}
	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil || len(salt) == 0 {
		return nil, ErrSCRAMMessage
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations <= 0 {
		return nil, ErrSCRAMMessage
	}

	h := s.Hash.new()
	salted := pbkdf2.Key([]byte(s.Password), salt, iterations, h().Size(), h)
	clientKey := scramHMAC(h, salted, "Client Key")
	stored := h()
	stored.Write(clientKey)
	storedKey := stored.Sum(nil)

	withoutProof := "c=biws,r=" + nonce
	authMessage := st.clientFirstBare + "," + string(ch.Data) + "," + withoutProof

	signature := scramHMAC(h, storedKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}

	serverKey := scramHMAC(h, salted, "Server Key")
	st.serverSignature = scramHMAC(h, serverKey, authMessage)

	return &AuthStep{
		Data:  []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)),
		State: st,
	}, nil
}

// AuthComplete verifies server-final-message.
func (s *SCRAMClient) AuthComplete(_ context.Context, ch *AuthChallenge) error {
	st, ok := ch.State.(*scramState)
	if !ok || st == nil || st.serverSignature == nil {
		return fmt.Errorf("%w: exchange incomplete", ErrAuthExchange)
	}
	attrs := scramAttrs(string(ch.Data))
	if e, bad := attrs["e"]; bad {
		return fmt.Errorf("%w: server error %s", ErrAuthExchange, e)
	}
	got, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return ErrSCRAMMessage
	}
	if !hmac.Equal(got, st.serverSignature) {
		return ErrSCRAMServerSignature
	}
	return nil
}

func scramHMAC(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func scramAttrs(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if k, v, ok := strings.Cut(part, "="); ok && len(k) == 1 {
			attrs[k] = v
		}
	}
	return attrs
}

var scramEscaper = strings.NewReplacer("=", "=3D", ",", "=2C")

func scramEscape(s string) string { return scramEscaper.Replace(s) }

func scramNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}
