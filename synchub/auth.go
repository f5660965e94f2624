package synchub

import (
	"crypto/subtle"
	"fmt"
	"slices"
)

type AuthUser struct {
	UserId    string
	Anonymous bool
}

// Authenticate runs once per request. Errors are `*TaskError` with kind `PermissionDenied`
// and are reported on every task of the request.
type Authenticator interface {
	Authenticate(userId string, token string) (*AuthUser, error)
}

// Authorize runs once per task with an authenticated user
type Authorizer interface {
	Authorize(user *AuthUser, database string, task *SyncTask) bool
}

func errUserRequired() *TaskError {
	return NewTaskError(PermissionDenied, "not authorized. user authentication requires 'user'")
}

func errTokenRequired(userId string) *TaskError {
	return NewTaskError(PermissionDenied, fmt.Sprintf("not authorized. user authentication requires 'token'. user: '%s'", userId))
}

func errAuthenticationFailed(userId string) *TaskError {
	return NewTaskError(PermissionDenied, fmt.Sprintf("not authorized. Authentication failed. user: '%s'", userId))
}

func errNotAuthorized(userId string) *TaskError {
	return NewTaskError(PermissionDenied, fmt.Sprintf("not authorized. user: '%s'", userId))
}

// authenticates users against a static user -> token table
type UserAuthenticator struct {
	tokens         map[string]string
	allowAnonymous bool
}

func NewUserAuthenticator(tokens map[string]string, allowAnonymous bool) *UserAuthenticator {
	copied := map[string]string{}
	for userId, token := range tokens {
		copied[userId] = token
	}
	return &UserAuthenticator{
		tokens:         copied,
		allowAnonymous: allowAnonymous,
	}
}

// every request is anonymous
func NewAnonymousAuthenticator() *UserAuthenticator {
	return NewUserAuthenticator(map[string]string{}, true)
}

func (self *UserAuthenticator) Authenticate(userId string, token string) (*AuthUser, error) {
	if userId == "" {
		if token == "" && self.allowAnonymous {
			return &AuthUser{Anonymous: true}, nil
		}
		return nil, errUserRequired()
	}
	if token == "" {
		return nil, errTokenRequired(userId)
	}
	expected, ok := self.tokens[userId]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return nil, errAuthenticationFailed(userId)
	}
	return &AuthUser{UserId: userId}, nil
}

type authorizeAll struct{}

func AuthorizeAll() Authorizer {
	return authorizeAll{}
}

func (authorizeAll) Authorize(user *AuthUser, database string, task *SyncTask) bool {
	return true
}

type authorizeDeny struct{}

func AuthorizeDeny() Authorizer {
	return authorizeDeny{}
}

func (authorizeDeny) Authorize(user *AuthUser, database string, task *SyncTask) bool {
	return false
}

// grants task kinds on containers. Empty fields match everything.
type TaskRule struct {
	Users      []string   `yaml:"users"`
	Databases  []string   `yaml:"databases"`
	Kinds      []TaskKind `yaml:"kinds"`
	Containers []string   `yaml:"containers"`
	// allows anonymous users
	Anonymous bool `yaml:"anonymous"`
}

func (self *TaskRule) matches(user *AuthUser, database string, task *SyncTask) bool {
	if user.Anonymous {
		if !self.Anonymous {
			return false
		}
	} else if 0 < len(self.Users) && !slices.Contains(self.Users, user.UserId) {
		return false
	}
	if 0 < len(self.Databases) && !slices.Contains(self.Databases, database) {
		return false
	}
	if 0 < len(self.Kinds) && !slices.Contains(self.Kinds, task.Task) {
		return false
	}
	if 0 < len(self.Containers) {
		target := task.Container
		if task.Task == TaskKindMessage || task.Task == TaskKindCommand || task.Task == TaskKindSubscribeMessage {
			target = task.Name
		}
		matched := false
		for _, pattern := range self.Containers {
			if MatchPattern(pattern, target) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// TaskAuthorizer allows a task if any rule matches it
type TaskAuthorizer struct {
	rules []*TaskRule
}

func NewTaskAuthorizer(rules ...*TaskRule) *TaskAuthorizer {
	return &TaskAuthorizer{
		rules: rules,
	}
}

func (self *TaskAuthorizer) Authorize(user *AuthUser, database string, task *SyncTask) bool {
	for _, rule := range self.rules {
		if rule.matches(user, database, task) {
			return true
		}
	}
	return false
}
