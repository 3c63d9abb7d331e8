// Package credential assembles the platform credential bundle from the
// environment, an optional dotenv file and the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"worksnotify/internal/works"
)

// Field ties a credential to its env var and keyring key.
type Field struct {
	Env string
	Key string
	set func(*works.Credentials, string)
}

var Fields = []Field{
	{Env: "NAVER_WORKS_CLIENT_ID", Key: "client_id", set: func(c *works.Credentials, v string) { c.ClientID = v }},
	{Env: "NAVER_WORKS_CLIENT_SECRET", Key: "client_secret", set: func(c *works.Credentials, v string) { c.ClientSecret = v }},
	{Env: "NAVER_WORKS_SERVICE_ACCOUNT", Key: "service_account", set: func(c *works.Credentials, v string) { c.ServiceAccount = v }},
	{Env: "NAVER_WORKS_PRIVATE_KEY", Key: "private_key", set: func(c *works.Credentials, v string) { c.PrivateKeyPEM = v }},
	{Env: "NAVER_WORKS_BOT_ID", Key: "bot_id", set: func(c *works.Credentials, v string) { c.BotID = v }},
}

// KnownKey reports whether key names a credential field.
func KnownKey(key string) bool {
	for _, f := range Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Getter is the read side of a secret store.
type Getter interface {
	Get(key string) (string, error)
}

type Options struct {
	// EnvFile is an optional dotenv file. A missing file is not an error.
	EnvFile string
	// Keyring is consulted for values the environment does not provide.
	Keyring Getter
}

// Report says where each credential came from: "env", "keyring" or
// "missing". Values are never included.
type Report map[string]string

// Missing lists the keys that were not found anywhere, sorted.
func (r Report) Missing() []string {
	var out []string
	for k, src := range r {
		if src == "missing" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Load builds the credential bundle. Missing values are not an error here;
// the token provider reports them on first use.
func Load(opts Options) (works.Credentials, Report, error) {
	v := viper.New()
	if path := strings.TrimSpace(opts.EnvFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !errors.As(err, new(viper.ConfigFileNotFoundError)) {
				return works.Credentials{}, nil, fmt.Errorf("reading env file %s: %w", path, err)
			}
		}
	}
	v.AutomaticEnv()

	var (
		creds works.Credentials
		rep   = Report{}
		errs  []error
	)
	for _, f := range Fields {
		val := strings.TrimSpace(v.GetString(f.Env))
		src := "env"
		if val == "" && opts.Keyring != nil {
			got, err := opts.Keyring.Get(f.Key)
			switch {
			case err == nil:
				val, src = strings.TrimSpace(got), "keyring"
			case !errors.Is(err, ErrNotFound):
				errs = append(errs, err)
			}
		}
		if val == "" {
			src = "missing"
		}
		f.set(&creds, val)
		rep[f.Key] = src
	}
	// Keyring trouble is reported but does not discard what was found.
	return creds, rep, errors.Join(errs...)
}
