package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by the collaboration bearer token.
// the client never verifies the signature; the server is the verifier.
// the claims are only used to know the local identity for self-echo
// suppression and optimistic presence.
type ByJwt struct {
	UserId   Id
	Username string
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if username, ok := claims["username"].(string); ok {
		byJwt.Username = username
	}

	return byJwt, nil
}
