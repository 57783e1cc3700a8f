package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/hkdf"

	"concert-tickets/internal/status"
	"concert-tickets/models"
)

// CodePrefix versions the ticket wire text.
const CodePrefix = "TK1."

const signingKeyInfo = "ticket-signing-v1"

var (
	claimsEncMode cbor.EncMode
	claimsDecMode cbor.DecMode
)

func init() {
	var err error
	claimsEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signer: cbor encoder: " + err.Error())
	}
	claimsDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("signer: cbor decoder: " + err.Error())
	}
}

// ticketClaims is the signed unit. Integer keys and core deterministic
// encoding make the serialization injective.
type ticketClaims struct {
	TicketID     string `cbor:"1,keyasint"`
	EventID      string `cbor:"2,keyasint"`
	CategoryName string `cbor:"3,keyasint"`
	SeatLabel    string `cbor:"4,keyasint"`
	Email        string `cbor:"5,keyasint"`
	IssuedAt     int64  `cbor:"6,keyasint"`
	EventStartAt int64  `cbor:"7,keyasint"`
	Price        string `cbor:"8,keyasint"`
	ExpiresAt    int64  `cbor:"9,keyasint"`
}

type ticketEnvelope struct {
	Claims    ticketClaims `cbor:"1,keyasint"`
	Signature []byte       `cbor:"2,keyasint"`
}

// Verification is the outcome of checking a signed ticket. Expired is
// reported independently of Valid.
type Verification struct {
	Ticket  *models.SignedTicket
	Valid   bool
	Expired bool
	Err     error
}

type Signer struct {
	key      []byte
	validity time.Duration
	now      func() time.Time
}

type SignerOption func(*Signer)

func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner derives the HMAC key from secret. validity is added to the event
// start to obtain the expiry.
func NewSigner(secret []byte, validity time.Duration, opts ...SignerOption) (*Signer, error) {
	if len(secret) < 32 {
		return nil, errors.New("signer: secret must be at least 32 bytes")
	}
	if validity <= 0 {
		return nil, errors.New("signer: validity must be positive")
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}

	s := &Signer{key: key, validity: validity, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign stamps issuedAt and expiresAt on payload and signs it. Times are
// truncated to whole seconds, the resolution of the signed unit.
func (s *Signer) Sign(payload models.TicketPayload) (*models.SignedTicket, error) {
	if payload.TicketID == "" || payload.EventID == "" {
		return nil, errors.New("signer: ticket and event ids are required")
	}
	if payload.EventStartAt.IsZero() {
		return nil, errors.New("signer: event start is required")
	}

	payload.IssuedAt = s.now().UTC().Truncate(time.Second)
	payload.EventStartAt = payload.EventStartAt.UTC().Truncate(time.Second)
	price, err := canonicalPrice(payload.Price.String())
	if err != nil {
		return nil, err
	}
	payload.Price = price

	st := &models.SignedTicket{
		TicketPayload: payload,
		ExpiresAt:     payload.EventStartAt.Add(s.validity),
	}
	sig, err := s.mac(claimsOf(st))
	if err != nil {
		return nil, err
	}
	st.Signature = sig
	return st, nil
}

// Verify recomputes the signature of st and compares it in constant time.
func (s *Signer) Verify(st *models.SignedTicket) Verification {
	if st == nil || st.TicketID == "" || st.EventID == "" || len(st.Signature) != sha256.Size {
		return Verification{Ticket: st, Err: status.ErrInvalidFormat}
	}

	v := Verification{Ticket: st, Expired: s.now().After(st.ExpiresAt)}
	want, err := s.mac(claimsOf(st))
	if err != nil {
		v.Err = status.ErrInvalidFormat
		return v
	}
	if !hmac.Equal(want, st.Signature) {
		v.Err = status.ErrSignatureMismatch
		return v
	}
	v.Valid = true
	return v
}

// VerifyCode parses wire text and verifies the ticket it carries.
func (s *Signer) VerifyCode(code []byte) Verification {
	st, err := ParseCode(code)
	if err != nil {
		return Verification{Err: err}
	}
	return s.Verify(st)
}

func (s *Signer) mac(c ticketClaims) ([]byte, error) {
	data, err := claimsEncMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("signer: encode claims: %w", err)
	}
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil), nil
}

// EncodeCode renders st as wire text: CodePrefix followed by the unpadded
// base64url form of the CBOR envelope.
func EncodeCode(st *models.SignedTicket) (string, error) {
	data, err := claimsEncMode.Marshal(ticketEnvelope{Claims: claimsOf(st), Signature: st.Signature})
	if err != nil {
		return "", fmt.Errorf("signer: encode envelope: %w", err)
	}
	return CodePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseCode decodes wire text. Anything that is not exactly the canonical
// encoding of a well-formed envelope yields status.ErrInvalidFormat.
func ParseCode(code []byte) (*models.SignedTicket, error) {
	code = bytes.TrimSpace(code)
	if !bytes.HasPrefix(code, []byte(CodePrefix)) {
		return nil, status.ErrInvalidFormat
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(string(code[len(CodePrefix):]))
	if err != nil {
		return nil, status.ErrInvalidFormat
	}

	var env ticketEnvelope
	if err := claimsDecMode.Unmarshal(raw, &env); err != nil {
		return nil, status.ErrInvalidFormat
	}
	canonical, err := claimsEncMode.Marshal(env)
	if err != nil || !bytes.Equal(canonical, raw) {
		return nil, status.ErrInvalidFormat
	}

	c := env.Claims
	if c.TicketID == "" || c.EventID == "" || len(env.Signature) != sha256.Size {
		return nil, status.ErrInvalidFormat
	}
	price, err := canonicalPrice(c.Price)
	if err != nil || price.String() != c.Price {
		return nil, status.ErrInvalidFormat
	}

	return &models.SignedTicket{
		TicketPayload: models.TicketPayload{
			TicketID:       c.TicketID,
			EventID:        c.EventID,
			CategoryName:   c.CategoryName,
			SeatLabel:      c.SeatLabel,
			PurchaserEmail: c.Email,
			IssuedAt:       time.Unix(c.IssuedAt, 0).UTC(),
			EventStartAt:   time.Unix(c.EventStartAt, 0).UTC(),
			Price:          price,
		},
		ExpiresAt: time.Unix(c.ExpiresAt, 0).UTC(),
		Signature: env.Signature,
	}, nil
}

func claimsOf(st *models.SignedTicket) ticketClaims {
	return ticketClaims{
		TicketID:     st.TicketID,
		EventID:      st.EventID,
		CategoryName: st.CategoryName,
		SeatLabel:    st.SeatLabel,
		Email:        st.PurchaserEmail,
		IssuedAt:     st.IssuedAt.Unix(),
		EventStartAt: st.EventStartAt.Unix(),
		Price:        st.Price.String(),
		ExpiresAt:    st.ExpiresAt.Unix(),
	}
}

func canonicalPrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, status.ErrInvalidFormat
	}
	if d.IsNegative() {
		return decimal.Decimal{}, status.ErrInvalidFormat
	}
	return d, nil
}
