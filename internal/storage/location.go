package storage

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Supported URI schemes.
const (
	SchemeS3     = "s3"
	SchemeAzure  = "azblob"
	SchemeFile   = "file"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeMemory = "mem"
)

// Location is a parsed storage URI. Bucket holds the S3 bucket, Azure
// container or memory store name; it is empty for file and http locations.
type Location struct {
	Scheme string
	Bucket string
	Key    string
	raw    string
}

// ParseLocation parses a storage URI such as s3://bucket/path/to/key.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty uri", ErrInvalidLocation)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrInvalidLocation, raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeS3, SchemeAzure, SchemeMemory:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("%w: %s: expected %s://bucket/key", ErrInvalidLocation, raw, scheme)
		}
		return Location{Scheme: scheme, Bucket: u.Host, Key: key, raw: raw}, nil

	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("%w: %s: remote file hosts are not supported", ErrInvalidLocation, raw)
		}
		if u.Path == "" || !strings.HasPrefix(u.Path, "/") {
			return Location{}, fmt.Errorf("%w: %s: file uris need an absolute path", ErrInvalidLocation, raw)
		}
		return Location{Scheme: scheme, Key: filepath.FromSlash(path.Clean(u.Path)), raw: raw}, nil

	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return Location{}, fmt.Errorf("%w: %s: missing host", ErrInvalidLocation, raw)
		}
		return Location{Scheme: scheme, Key: u.String(), raw: raw}, nil

	case "":
		return Location{}, fmt.Errorf("%w: %s: missing scheme", ErrInvalidLocation, raw)
	default:
		return Location{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// String returns the URI form of the location.
func (l Location) String() string {
	if l.raw != "" {
		return l.raw
	}
	switch l.Scheme {
	case SchemeFile:
		return "file://" + filepath.ToSlash(l.Key)
	case SchemeHTTP, SchemeHTTPS:
		return l.Key
	default:
		return l.Scheme + "://" + l.Bucket + "/" + l.Key
	}
}

// Name returns the last path element of the key.
func (l Location) Name() string {
	key := l.Key
	if l.Scheme == SchemeHTTP || l.Scheme == SchemeHTTPS {
		if u, err := url.Parse(key); err == nil {
			key = u.Path
		}
	}
	key = strings.TrimSuffix(filepath.ToSlash(key), "/")
	if key == "" {
		return ""
	}
	return path.Base(key)
}

// Parent returns the bucket or directory that holds the object.
func (l Location) Parent() string {
	switch l.Scheme {
	case SchemeFile:
		return filepath.Dir(l.Key)
	case SchemeHTTP, SchemeHTTPS:
		if u, err := url.Parse(l.Key); err == nil {
			return u.Host
		}
		return ""
	default:
		return l.Bucket
	}
}

// Join returns a location for name under l, treating l as a prefix.
func (l Location) Join(name string) Location {
	out := Location{Scheme: l.Scheme, Bucket: l.Bucket}
	switch l.Scheme {
	case SchemeFile:
		out.Key = filepath.Join(l.Key, name)
	case SchemeHTTP, SchemeHTTPS:
		out.Key = strings.TrimSuffix(l.Key, "/") + "/" + url.PathEscape(name)
	default:
		prefix := strings.TrimSuffix(l.Key, "/")
		if prefix == "" {
			out.Key = name
		} else {
			out.Key = prefix + "/" + name
		}
	}
	return out
}

// ParsePrefix parses a destination prefix such as s3://bucket or
// s3://bucket/audio/. Unlike ParseLocation, the key may be empty.
func ParsePrefix(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s: %v", ErrInvalidLocation, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeS3, SchemeAzure, SchemeMemory:
		if u.Host == "" {
			return Location{}, fmt.Errorf("%w: %s: missing bucket", ErrInvalidLocation, raw)
		}
		return Location{Scheme: scheme, Bucket: u.Host, Key: strings.Trim(u.Path, "/")}, nil
	case SchemeFile:
		if !strings.HasPrefix(u.Path, "/") {
			return Location{}, fmt.Errorf("%w: %s: file uris need an absolute path", ErrInvalidLocation, raw)
		}
		return Location{Scheme: scheme, Key: filepath.FromSlash(path.Clean(u.Path))}, nil
	default:
		return Location{}, fmt.Errorf("%w: %s is not a writable prefix", ErrUnsupportedScheme, scheme)
	}
}
