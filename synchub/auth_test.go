package synchub

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestUserAuthenticator(t *testing.T) {
	authenticator := NewUserAuthenticator(map[string]string{"alice": "secret"}, false)

	user, err := authenticator.Authenticate("alice", "secret")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.UserId, "alice")
	assert.Equal(t, user.Anonymous, false)

	_, err = authenticator.Authenticate("alice", "")
	assert.Equal(t, err.Error(), "PermissionDenied ~ not authorized. user authentication requires 'token'. user: 'alice'")

	_, err = authenticator.Authenticate("alice", "wrong")
	assert.Equal(t, err.Error(), "PermissionDenied ~ not authorized. Authentication failed. user: 'alice'")

	_, err = authenticator.Authenticate("", "")
	assert.Equal(t, err.Error(), "PermissionDenied ~ not authorized. user authentication requires 'user'")

	user, err = NewAnonymousAuthenticator().Authenticate("", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, user.Anonymous, true)
}

func TestTaskAuthorizer(t *testing.T) {
	authorizer := NewTaskAuthorizer(
		&TaskRule{
			Users: []string{"alice"},
			Kinds: []TaskKind{TaskKindRead, TaskKindUpsert},
		},
		&TaskRule{
			Anonymous:  true,
			Kinds:      []TaskKind{TaskKindMessage},
			Containers: []string{"chat.*"},
		},
	)
	alice := &AuthUser{UserId: "alice"}
	bob := &AuthUser{UserId: "bob"}
	anonymous := &AuthUser{Anonymous: true}

	read := &SyncTask{Task: TaskKindRead, Container: "articles"}
	del := &SyncTask{Task: TaskKindDelete, Container: "articles"}
	chat := &SyncTask{Task: TaskKindMessage, Name: "chat.room1"}
	news := &SyncTask{Task: TaskKindMessage, Name: "news"}

	assert.Equal(t, authorizer.Authorize(alice, "main", read), true)
	assert.Equal(t, authorizer.Authorize(alice, "main", del), false)
	assert.Equal(t, authorizer.Authorize(bob, "main", read), false)
	assert.Equal(t, authorizer.Authorize(anonymous, "main", read), false)
	assert.Equal(t, authorizer.Authorize(anonymous, "main", chat), true)
	assert.Equal(t, authorizer.Authorize(anonymous, "main", news), false)
	// the second rule has no user list
	assert.Equal(t, authorizer.Authorize(bob, "main", chat), true)

	assert.Equal(t, AuthorizeAll().Authorize(bob, "main", del), true)
	assert.Equal(t, AuthorizeDeny().Authorize(alice, "main", read), false)
}

func TestJwtAuthenticator(t *testing.T) {
	secret := []byte("test secret")
	authenticator := NewJwtAuthenticator(secret)

	token, err := NewJwtToken(secret, "alice", time.Hour)
	assert.Equal(t, err, nil)

	userId, err := ParseJwtUserIdUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "alice")

	user, err := authenticator.Authenticate("alice", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, user.UserId, "alice")

	// the user id may be omitted
	user, err = authenticator.Authenticate("", token)
	assert.Equal(t, err, nil)
	assert.Equal(t, user.UserId, "alice")

	_, err = authenticator.Authenticate("bob", token)
	assert.NotEqual(t, err, nil)

	otherToken, err := NewJwtToken([]byte("other secret"), "alice", time.Hour)
	assert.Equal(t, err, nil)
	_, err = authenticator.Authenticate("alice", otherToken)
	assert.NotEqual(t, err, nil)

	expiredToken, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	}).SignedString(secret)
	assert.Equal(t, err, nil)
	_, err = authenticator.Authenticate("alice", expiredToken)
	assert.NotEqual(t, err, nil)

	_, err = authenticator.Authenticate("alice", "")
	assert.NotEqual(t, err, nil)
}
