package config

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"strings"
)

type Cli struct {
	HTTPAddress         string
	HTTPInternalAddress string
	PprofPort           int
	APIBaseURL          *url.URL

	OSEndpoint        string
	OSRegion          string
	OSAccessKeyID     string
	OSSecretAccessKey string
	OSBucket          string
	OSForcePathStyle  bool

	RedisURL    string
	DatabaseURL string

	FastConcurrency       int
	BackgroundConcurrency int
	TempDir               string
	NodeName              string

	WebhookURL    string
	WebhookSecret string

	MaxSourceBytes int64
}

// APIBase returns the public base URL without a trailing slash, ready for
// path concatenation when building playback URLs.
func (cli *Cli) APIBase() string {
	return strings.TrimSuffix(cli.APIBaseURL.String(), "/")
}

func (cli *Cli) Validate() error {
	if cli.OSBucket == "" {
		return fmt.Errorf("object store bucket is required")
	}
	if cli.RedisURL == "" {
		return fmt.Errorf("redis url is required")
	}
	if cli.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cli.WebhookSecret != "" && cli.WebhookURL == "" {
		return fmt.Errorf("webhook secret set without a webhook url")
	}
	return nil
}

func parseURL(s string, dest **url.URL) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}

// AddrFlag is a flag.Func wrapper that rejects values that are not a valid
// host:port pair.
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return err
		}
		*dest = s
		return nil
	})
}
