package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"wa-gateway-lite/internal/sqlitedb"
)

// OpenBackend builds the backend named by rawURL:
//
//	mem://
//	file:///var/lib/wa            (or file://./relative/dir)
//	sqlite:///var/lib/wa/gateway.db
//	mongodb://host:27017/db?collection=sessions
//	s3://host:9000/bucket/prefix?insecure=1&path-style=1
func OpenBackend(ctx context.Context, rawURL string, pools *sqlitedb.Cache) (Backend, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return NewMemory(), "mem", nil
	case "file":
		dir := LocalPath(u)
		if dir == "" {
			return nil, "", fmt.Errorf("file store missing directory (expected file:///dir)")
		}
		b, err := NewFile(dir)
		if err != nil {
			return nil, "", err
		}
		return b, "file", nil
	case "sqlite":
		path := LocalPath(u)
		if path == "" {
			return nil, "", fmt.Errorf("sqlite store missing path (expected sqlite:///path.db)")
		}
		if pools == nil {
			pools = sqlitedb.NewCache(nil)
		}
		pool, err := pools.Open(path)
		if err != nil {
			return nil, "", err
		}
		b, err := NewSQLite(ctx, pool)
		if err != nil {
			_ = pool.Close()
			return nil, "", err
		}
		return b, "sqlite", nil
	case "mongodb", "mongodb+srv":
		cfg := MongoConfig{Database: strings.Trim(u.Path, "/")}
		q := u.Query()
		cfg.Collection = q.Get("collection")
		q.Del("collection")
		u.RawQuery = q.Encode()
		cfg.URI = u.String()
		b, err := NewMongo(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return b, "mongodb", nil
	case "s3":
		cfg, err := ParseS3URL(u)
		if err != nil {
			return nil, "", err
		}
		b, err := NewS3(cfg)
		if err != nil {
			return nil, "", err
		}
		return b, "s3", nil
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// LocalPath joins host and path so both file:///abs and file://./rel work.
func LocalPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

func ParseS3URL(u *url.URL) (S3Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return S3Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(p, "/", 2)
	cfg := S3Config{Endpoint: endpoint, Bucket: parts[0]}
	if len(parts) == 2 {
		cfg.Prefix = parts[1]
	}
	q := u.Query()
	cfg.Region = q.Get("region")
	if v := q.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			cfg.Insecure = ok
		}
	}
	if v := q.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			cfg.ForcePathStyle = ok
		}
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	} else if key := os.Getenv("S3_ACCESS_KEY_ID"); key != "" {
		cfg.AccessKey = key
		cfg.SecretKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	}
	return cfg, nil
}
