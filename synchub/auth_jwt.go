package synchub

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

const jwtUserIdClaim = "user_id"

// authenticates HS256 tokens carrying a `user_id` claim.
// The request `user` may be omitted, in which case the claim names the user.
type JwtAuthenticator struct {
	secret []byte
	parser *gojwt.Parser
}

func NewJwtAuthenticator(secret []byte) *JwtAuthenticator {
	return &JwtAuthenticator{
		secret: secret,
		parser: gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})),
	}
}

func (self *JwtAuthenticator) Authenticate(userId string, token string) (*AuthUser, error) {
	if token == "" {
		if userId == "" {
			return nil, errUserRequired()
		}
		return nil, errTokenRequired(userId)
	}

	claims := gojwt.MapClaims{}
	_, err := self.parser.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		glog.V(1).Infof("[auth]jwt user=%s error = %s\n", userId, err)
		return nil, errAuthenticationFailed(userId)
	}

	claimUserId := ""
	if v, ok := claims[jwtUserIdClaim]; ok {
		claimUserId, _ = v.(string)
	}
	if claimUserId == "" {
		return nil, errAuthenticationFailed(userId)
	}
	if userId != "" && userId != claimUserId {
		return nil, errAuthenticationFailed(userId)
	}
	return &AuthUser{UserId: claimUserId}, nil
}

// signs a token for `JwtAuthenticator`. Zero `validFor` means no expiry.
func NewJwtToken(secret []byte, userId string, validFor time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		jwtUserIdClaim: userId,
		"iat":          time.Now().Unix(),
	}
	if 0 < validFor {
		claims["exp"] = time.Now().Add(validFor).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// reads the user claim without verifying the signature
func ParseJwtUserIdUnverified(token string) (string, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := parsed.Claims.(gojwt.MapClaims)
	if v, ok := claims[jwtUserIdClaim]; ok {
		if userId, ok := v.(string); ok {
			return userId, nil
		}
	}
	return "", fmt.Errorf("missing claim: %s", jwtUserIdClaim)
}
