// Package token implements the bearer-token authentication scheme: an
// HMAC-signed, fixed-layout opaque secret handed to a user at login and
// presented thereafter as "Authorization: Bearer <token>".
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/fleetdesk/broker/server/auth"
	"github.com/fleetdesk/broker/server/store/types"
)

// Authenticator is the singleton instance of the token scheme.
type Authenticator struct {
	hmacSalt     []byte
	timeout      time.Duration
	serialNumber int
}

// Token composition: [8:UID][4:expires][2:authLevel][2:serial-number][32:signature] == 48 bytes
const (
	tokenUIDStart = 0
	tokenUIDEnd   = 8

	tokenExpiresStart = 8
	tokenExpiresEnd   = 12

	tokenAuthLvlStart = 12
	tokenAuthLvlEnd   = 14

	tokenSerialStart = 14
	tokenSerialEnd   = 16

	tokenSignatureStart = 16

	tokenLengthDecoded = 48

	tokenMinHmacLength = 32
)

// Init parses the scheme's config and sets salt, serial number and lifetime.
func (ta *Authenticator) Init(jsonconf string) error {
	if ta.hmacSalt != nil {
		return errors.New("auth/token: already initialized")
	}

	var config struct {
		Key       []byte `json:"key"`
		SerialNum int    `json:"serial_num"`
		ExpireIn  int    `json:"expire_in"`
	}
	if err := json.Unmarshal([]byte(jsonconf), &config); err != nil {
		return errors.New("auth/token: failed to parse config: " + err.Error())
	}

	if config.Key == nil || len(config.Key) < tokenMinHmacLength {
		return errors.New("auth/token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return errors.New("auth/token: invalid expiration value")
	}

	ta.hmacSalt = config.Key
	ta.timeout = time.Duration(config.ExpireIn) * time.Second
	ta.serialNumber = config.SerialNum

	return nil
}

// Authenticate checks validity of a presented token.
func (ta *Authenticator) Authenticate(token []byte) (types.Uid, auth.Level, time.Time, auth.AuthErr) {
	if len(token) < tokenLengthDecoded {
		return types.ZeroUid, auth.LevelNone, time.Time{},
			auth.NewErr(auth.ErrMalformed, errors.New("auth/token: invalid length"))
	}

	var uid types.Uid
	if err := uid.UnmarshalBinary(token[tokenUIDStart:tokenUIDEnd]); err != nil {
		return types.ZeroUid, auth.LevelNone, time.Time{}, auth.NewErr(auth.ErrMalformed, err)
	}

	lvl := auth.Level(binary.LittleEndian.Uint16(token[tokenAuthLvlStart:tokenAuthLvlEnd]))
	if lvl != auth.LevelNone && lvl != auth.LevelAuth {
		return types.ZeroUid, auth.LevelNone, time.Time{},
			auth.NewErr(auth.ErrMalformed, errors.New("auth/token: invalid auth level"))
	}

	if snum := int(binary.LittleEndian.Uint16(token[tokenSerialStart:tokenSerialEnd])); snum != ta.serialNumber {
		return types.ZeroUid, auth.LevelNone, time.Time{},
			auth.NewErr(auth.ErrMalformed, errors.New("auth/token: serial number does not match"))
	}

	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(token[:tokenSignatureStart])
	if !hmac.Equal(token[tokenSignatureStart:], hasher.Sum(nil)) {
		return types.ZeroUid, auth.LevelNone, time.Time{},
			auth.NewErr(auth.ErrFailed, errors.New("auth/token: invalid signature"))
	}

	expires := time.Unix(int64(binary.LittleEndian.Uint32(token[tokenExpiresStart:tokenExpiresEnd])), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return types.ZeroUid, auth.LevelNone, time.Time{},
			auth.NewErr(auth.ErrExpired, errors.New("auth/token: expired token"))
	}

	return uid, lvl, expires, auth.NewErr(auth.NoErr, nil)
}

// GenSecret issues a new token for uid at lvl.
func (ta *Authenticator) GenSecret(uid types.Uid, lvl auth.Level, lifetime time.Duration) ([]byte, time.Time, auth.AuthErr) {
	buf := new(bytes.Buffer)
	uidbits, _ := uid.MarshalBinary()
	binary.Write(buf, binary.LittleEndian, uidbits)

	if lifetime == 0 {
		lifetime = ta.timeout
	} else if lifetime < 0 {
		return nil, time.Time{}, auth.NewErr(auth.ErrExpired, errors.New("auth/token: negative lifetime"))
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Millisecond)

	binary.Write(buf, binary.LittleEndian, uint32(expires.Unix()))
	binary.Write(buf, binary.LittleEndian, uint16(lvl))
	binary.Write(buf, binary.LittleEndian, uint16(ta.serialNumber))

	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(buf.Bytes())
	binary.Write(buf, binary.LittleEndian, hasher.Sum(nil))

	return buf.Bytes(), expires, auth.NewErr(auth.NoErr, nil)
}

func init() {
	auth.RegisterScheme("token", &Authenticator{})
}
