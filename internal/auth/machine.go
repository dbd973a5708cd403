package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Machine tokens are long-lived JWTs the worker daemon presents on its
// websocket connection. They carry a "machine" claim so an access token
// cannot be replayed as a machine credential.

const machineTokenTTL = 365 * 24 * time.Hour

func IssueMachineToken(userID uuid.UUID, secret string) (string, error) {
	claims := jwt.MapClaims{
		"sub":     userID.String(),
		"machine": true,
		"exp":     time.Now().Add(machineTokenTTL).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateMachineToken returns the owning user of a machine token.
func ValidateMachineToken(tokenStr, secret string) (*uuid.UUID, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid machine token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid machine token claims")
	}
	if isMachine, _ := claims["machine"].(bool); !isMachine {
		return nil, errors.New("not a machine token")
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, errors.New("invalid machine token subject")
	}
	return &userID, nil
}
