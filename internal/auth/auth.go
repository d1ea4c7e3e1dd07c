// Package auth implements user routes resolving the user of a connection
// from credentials it sends as connection info.
//
// Routes return an error for missing or invalid credentials. The router logs
// it and falls back to the next route; wrap a route with OrElse to send
// refused connections to a sink user instead.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/maruel/datasync/internal/errors"
	"github.com/maruel/datasync/internal/socket"
	"github.com/maruel/datasync/internal/userroute"
)

// Connection info keys read by the routes.
const (
	KeyToken    = "token"
	KeyUser     = "user"
	KeyPassword = "password"
)

// NewToken returns an HS256 token for userID.
func NewToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates an HMAC signed token and returns its subject.
func ParseToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", apierrors.Unauthorized().Wrap(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", apierrors.Unauthorized()
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", apierrors.Unauthorized().WithDetail("claim", "sub")
	}
	return userID, nil
}

// JWT returns a route resolving the subject of the token in the "token"
// connection info.
func JWT(secret []byte) userroute.Route {
	return func(_ context.Context, _ socket.Socket, _ string, info userroute.ConnInfo) (string, error) {
		t := info.String(KeyToken)
		if t == "" {
			return "", apierrors.Unauthorized().WithDetail("field", KeyToken)
		}
		return ParseToken(secret, t)
	}
}

// HashPassword returns the bcrypt hash stored in the configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Password returns a route checking the "user" and "password" connection
// info against bcrypt hashes keyed by user id.
func Password(users map[string]string) userroute.Route {
	return func(_ context.Context, _ socket.Socket, _ string, info userroute.ConnInfo) (string, error) {
		user := info.String(KeyUser)
		hash, ok := users[user]
		if user == "" || !ok {
			return "", apierrors.Unauthorized()
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(info.String(KeyPassword))); err != nil {
			return "", apierrors.Unauthorized().Wrap(err)
		}
		return user, nil
	}
}

// ConnInfo returns a route trusting the "userid" connection info.
func ConnInfo() userroute.Route {
	return func(_ context.Context, _ socket.Socket, _ string, info userroute.ConnInfo) (string, error) {
		return info.String("userid"), nil
	}
}

// OrElse wraps route so that a failure resolves to userID.
func OrElse(route userroute.Route, userID string) userroute.Route {
	return func(ctx context.Context, sock socket.Socket, storeID string, info userroute.ConnInfo) (string, error) {
		id, err := route(ctx, sock, storeID, info)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return userID, nil
		}
		return id, nil
	}
}
