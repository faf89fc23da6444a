package db

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	dsn := postgresDSN(Config{Host: "db", User: "svc", Password: "p@ss/word", Name: "creatorpay"})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/creatorpay", u.Path)
	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss/word", pass)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "UTC", u.Query().Get("TimeZone"))
}

func TestDialectSelectsDriver(t *testing.T) {
	for typ, name := range map[string]string{"postgres": "postgres", "PostgreSQL": "postgres", "sqlite": "sqlite"} {
		d, err := Dialect(Config{Type: typ, Host: "localhost"})
		require.NoError(t, err, typ)
		assert.Equal(t, name, d.Name())
	}

	for _, typ := range []string{"mysql", "oracle", ""} {
		_, err := Dialect(Config{Type: typ})
		assert.ErrorContains(t, err, "unsupported database type", typ)
	}
}
