// Package keystore is a thin ipc.Server consumer exercising the wire
// contract end to end (SPEC_FULL.md SUPPLEMENTED FEATURES), grounded on
// original_source/.../keystore/src/lib.rs's shape (a small library
// wrapped by a service loop) but issuing capability-backed JWTs instead
// of verifying Ed25519 anchor signatures: a JWT is a plausible shape for
// a capability grant without dragging the full WebAuthn/TPM stack into
// the IPC core, which has no user-facing auth component of its own.
package keystore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/open-nexus-OS/nexus-ipc/ipc"
)

// Claims is the capability grant embedded in every token this service
// issues: subject plus the set of capability names it's allowed.
type Claims struct {
	jwt.RegisteredClaims
	Subject      string   `json:"subj"`
	Capabilities []string `json:"caps"`
}

// Service issues and verifies capability tokens signed with an
// HMAC secret fixed at construction — production device-identity
// anchoring (Ed25519, PEM/hex anchor files) is the original's job and
// out of scope here (spec.md §1: per-service business logic).
type Service struct {
	secret []byte
}

// NewService builds a keystore service signing with secret.
func NewService(secret []byte) *Service {
	return &Service{secret: secret}
}

// IssueToken mints a signed token granting subject the listed
// capabilities for ttl.
func (s *Service) IssueToken(subject string, caps []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Subject:      subject,
		Capabilities: caps,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("keystore: sign: %w", err)
	}
	return signed, nil
}

// VerifyToken validates tokenStr and returns the embedded claims.
func (s *Service) VerifyToken(tokenStr string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("keystore: parse token: %w", err)
	}
	if !tok.Valid {
		return Claims{}, fmt.Errorf("keystore: token not valid")
	}
	return claims, nil
}

const (
	opcodeIssue byte = 1
	opcodeVerify byte = 2

	statusOK  byte = 0
	statusErr byte = 1
)

// HandleFrame dispatches opcodeIssue/opcodeVerify requests, mirroring
// policyd.Service.HandleFrame's shape for the other thin demo service.
//
// Issue request:  [opcodeIssue, subj_len, subj..., ttl_secs(4 LE), cap_count, (cap_len, cap...)*]
// Issue response: [opcodeIssue, status, (token_len(2 LE), token...)?]
// Verify request:  [opcodeVerify, token_len(2 LE), token...]
// Verify response: [opcodeVerify, status, (subj_len, subj..., cap_count, (cap_len, cap...)*)?]
func (s *Service) HandleFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("keystore: empty request")
	}
	switch frame[0] {
	case opcodeIssue:
		return s.handleIssue(frame[1:])
	case opcodeVerify:
		return s.handleVerify(frame[1:])
	default:
		return nil, fmt.Errorf("keystore: unknown opcode %d", frame[0])
	}
}

func (s *Service) handleIssue(p []byte) ([]byte, error) {
	subject, rest, err := readLP8(p)
	if err != nil {
		return []byte{opcodeIssue, statusErr}, nil
	}
	if len(rest) < 4 {
		return []byte{opcodeIssue, statusErr}, nil
	}
	ttlSecs := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	if len(rest) < 1 {
		return []byte{opcodeIssue, statusErr}, nil
	}
	capCount := int(rest[0])
	rest = rest[1:]
	caps := make([]string, 0, capCount)
	for i := 0; i < capCount; i++ {
		var c string
		c, rest, err = readLP8(rest)
		if err != nil {
			return []byte{opcodeIssue, statusErr}, nil
		}
		caps = append(caps, c)
	}

	tok, err := s.IssueToken(subject, caps, time.Duration(ttlSecs)*time.Second)
	if err != nil {
		return []byte{opcodeIssue, statusErr}, nil
	}
	out := []byte{opcodeIssue, statusOK}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(tok)))
	out = append(out, tok...)
	return out, nil
}

func (s *Service) handleVerify(p []byte) ([]byte, error) {
	if len(p) < 2 {
		return []byte{opcodeVerify, statusErr}, nil
	}
	tokLen := binary.LittleEndian.Uint16(p[:2])
	p = p[2:]
	if len(p) < int(tokLen) {
		return []byte{opcodeVerify, statusErr}, nil
	}
	tok := string(p[:tokLen])

	claims, err := s.VerifyToken(tok)
	if err != nil {
		return []byte{opcodeVerify, statusErr}, nil
	}
	out := []byte{opcodeVerify, statusOK, byte(len(claims.Subject))}
	out = append(out, claims.Subject...)
	out = append(out, byte(len(claims.Capabilities)))
	for _, c := range claims.Capabilities {
		out = append(out, byte(len(c)))
		out = append(out, c...)
	}
	return out, nil
}

func readLP8(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("keystore: truncated length-prefixed field")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("keystore: truncated length-prefixed field body")
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// Serve runs the daemon main loop over server, the same shape as
// policyd.Serve.
func Serve(server ipc.Server, service *Service) error {
	for {
		frame, err := server.Recv(ipc.Blocking)
		if err != nil {
			if err == ipc.ErrClosed {
				return nil
			}
			return fmt.Errorf("keystore: recv: %w", err)
		}
		resp, err := service.HandleFrame(frame)
		if err != nil {
			continue
		}
		if err := server.Send(resp, ipc.Blocking); err != nil {
			return fmt.Errorf("keystore: send: %w", err)
		}
	}
}
