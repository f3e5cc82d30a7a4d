// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
	"github.com/cloudpaste/cloudpaste/gateway/auth"
)

func TestAdminHasEverything(t *testing.T) {
	admin := auth.Admin()
	require.True(t, admin.IsAdmin())
	require.True(t, admin.Has(auth.PermRead))
	require.True(t, admin.Has(auth.PermAdmin))
	require.NoError(t, admin.Require(auth.PermWrite))
	require.NoError(t, admin.CheckPath("/anywhere/at/all"))
	require.True(t, admin.Owns(auth.TypeAPIKey, "someone"))
}

func TestAnonymousHasNothing(t *testing.T) {
	anon := auth.Anonymous()
	require.False(t, anon.Has(auth.PermRead))

	err := anon.Require(auth.PermRead)
	require.Equal(t, apierrs.Forbidden, apierrs.KindOf(err))
}

func TestRequireAndHas(t *testing.T) {
	p := auth.Principal{
		Type:        auth.TypeAPIKey,
		ID:          "key-1",
		Permissions: auth.PermRead | auth.PermWrite,
	}
	require.True(t, p.Has(auth.PermRead))
	require.True(t, p.Has(auth.PermRead|auth.PermWrite))
	require.False(t, p.Has(auth.PermAdmin))
	require.NoError(t, p.Require(auth.PermWrite))
	require.Error(t, p.Require(auth.PermJobCreate))
}

func TestCheckPath(t *testing.T) {
	p := auth.Principal{
		Type:            auth.TypeAPIKey,
		ID:              "key-1",
		Permissions:     auth.PermRead,
		AllowedBasePath: "/team/a",
	}
	require.NoError(t, p.CheckPath("/team/a"))
	require.NoError(t, p.CheckPath("/team/a/docs/file.txt"))

	err := p.CheckPath("/team/b")
	require.Equal(t, apierrs.Forbidden, apierrs.KindOf(err))
	// Sibling prefix is not containment.
	err = p.CheckPath("/team/ab")
	require.Equal(t, apierrs.Forbidden, apierrs.KindOf(err))
}

func TestOwns(t *testing.T) {
	p := auth.Principal{Type: auth.TypeAPIKey, ID: "key-1"}
	require.True(t, p.Owns(auth.TypeAPIKey, "key-1"))
	require.False(t, p.Owns(auth.TypeAPIKey, "key-2"))
	require.False(t, p.Owns(auth.TypeAnon, "key-1"))
}
