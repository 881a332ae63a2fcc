// Package users models the simulated users that monkeys run as and how they
// obtain credentials.
package users

import (
	"fmt"
	"math"
	"strconv"
)

// User identifies a simulated user before it has credentials.
type User struct {
	Username string `json:"username" yaml:"username"`
	UID      *int   `json:"uidnumber,omitempty" yaml:"uidnumber,omitempty"`
	GID      *int   `json:"gidnumber,omitempty" yaml:"gidnumber,omitempty"`
}

// Spec describes a generated sequence of users.
type Spec struct {
	UsernamePrefix string `json:"username_prefix" yaml:"username_prefix"`
	UIDStart       *int   `json:"uid_start,omitempty" yaml:"uid_start,omitempty"`
	GIDStart       *int   `json:"gid_start,omitempty" yaml:"gid_start,omitempty"`
}

// AuthenticatedUser is a user together with its token and scopes. It is
// immutable once issued.
type AuthenticatedUser struct {
	User
	Scopes []string `json:"scopes"`
	Token  string   `json:"token"`
}

// Redacted returns a copy safe to expose through dumps.
func (u AuthenticatedUser) Redacted() AuthenticatedUser {
	u.Scopes = append([]string(nil), u.Scopes...)
	if u.Token != "" {
		u.Token = "<redacted>"
	}
	return u
}

// Generate builds count users from spec. Usernames are the prefix followed by
// a 1-based index zero-padded to the width of count, so they sort in order.
// UIDs and GIDs, when a start is given, are contiguous from that start.
func Generate(count int, spec Spec) []User {
	if count <= 0 {
		return nil
	}
	width := int(math.Log10(float64(count))) + 1

	result := make([]User, 0, count)
	for i := 1; i <= count; i++ {
		u := User{Username: spec.UsernamePrefix + fmt.Sprintf("%0*d", width, i)}
		if spec.UIDStart != nil {
			uid := *spec.UIDStart + i - 1
			u.UID = &uid
		}
		if spec.GIDStart != nil {
			gid := *spec.GIDStart + i - 1
			u.GID = &gid
		}
		result = append(result, u)
	}
	return result
}

func (u User) String() string {
	if u.UID == nil {
		return u.Username
	}
	return u.Username + " (uid " + strconv.Itoa(*u.UID) + ")"
}
