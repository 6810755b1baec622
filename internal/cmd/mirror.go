package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/claudeauth/internal/store"
	sdkAuth "github.com/router-for-me/claudeauth/sdk/auth"
	log "github.com/sirupsen/logrus"
)

const mirrorInitTimeout = 30 * time.Second

// lookupEnv returns the first non-empty value among keys.
func lookupEnv(keys ...string) (string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// MirrorFromEnv selects the remote copy of the credential record. Postgres
// wins over object storage, which wins over git. It returns a nil mirror when
// none is configured. localBase holds the git working tree.
func MirrorFromEnv(ctx context.Context, localBase string) (sdkAuth.Mirror, func(), error) {
	noop := func() {}

	if dsn, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		schema, _ := lookupEnv("PGSTORE_SCHEMA", "pgstore_schema")
		table, _ := lookupEnv("PGSTORE_TABLE", "pgstore_table")
		recordID, _ := lookupEnv("PGSTORE_RECORD_ID", "pgstore_record_id")

		initCtx, cancel := context.WithTimeout(ctx, mirrorInitTimeout)
		defer cancel()
		mirror, err := store.NewPostgresMirror(initCtx, store.PostgresStoreConfig{
			DSN:       dsn,
			Schema:    schema,
			AuthTable: table,
			RecordID:  recordID,
		})
		if err != nil {
			return nil, noop, err
		}
		if err = mirror.EnsureSchema(initCtx); err != nil {
			_ = mirror.Close()
			return nil, noop, err
		}
		log.Info("postgres credential mirror enabled")
		return mirror, func() { _ = mirror.Close() }, nil
	}

	if endpoint, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		host, useSSL, err := parseObjectEndpoint(endpoint)
		if err != nil {
			return nil, noop, err
		}
		access, _ := lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key")
		secret, _ := lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key")
		bucket, _ := lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket")
		region, _ := lookupEnv("OBJECTSTORE_REGION", "objectstore_region")
		prefix, _ := lookupEnv("OBJECTSTORE_PREFIX", "objectstore_prefix")

		mirror, err := store.NewObjectMirror(store.ObjectStoreConfig{
			Endpoint:  host,
			Bucket:    bucket,
			AccessKey: access,
			SecretKey: secret,
			Region:    region,
			Prefix:    prefix,
			UseSSL:    useSSL,
			PathStyle: true,
		})
		if err != nil {
			return nil, noop, err
		}
		initCtx, cancel := context.WithTimeout(ctx, mirrorInitTimeout)
		defer cancel()
		if err = mirror.Bootstrap(initCtx); err != nil {
			return nil, noop, err
		}
		log.Infof("object credential mirror enabled, bucket: %s", bucket)
		return mirror, noop, nil
	}

	if remote, ok := lookupEnv("GITSTORE_GIT_URL", "gitstore_git_url"); ok {
		user, _ := lookupEnv("GITSTORE_GIT_USERNAME", "gitstore_git_username")
		token, _ := lookupEnv("GITSTORE_GIT_TOKEN", "gitstore_git_token")
		repoDir, ok := lookupEnv("GITSTORE_LOCAL_PATH", "gitstore_local_path")
		if !ok {
			repoDir = filepath.Join(localBase, "gitstore")
		}
		log.Infof("git credential mirror enabled, working tree: %s", repoDir)
		return store.NewGitMirror(repoDir, remote, user, token), noop, nil
	}

	return nil, noop, nil
}

// parseObjectEndpoint accepts host[:port] or an http(s) URL and returns the
// host part and whether TLS is used.
func parseObjectEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	useSSL := true
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return "", false, fmt.Errorf("object store: parse endpoint %q: %w", raw, err)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http":
			useSSL = false
		case "https":
		default:
			return "", false, fmt.Errorf("object store: unsupported scheme %q (only http and https are allowed)", parsed.Scheme)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("object store: endpoint %q is missing host information", raw)
		}
		endpoint = parsed.Host
		if parsed.Path != "" && parsed.Path != "/" {
			endpoint = strings.TrimSuffix(parsed.Host+parsed.Path, "/")
		}
	}
	return strings.TrimRight(endpoint, "/"), useSSL, nil
}
