package gocbx

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DialOptions carries the connection-string options recognized by §6.
type DialOptions struct {
	KVTimeout            time.Duration
	QueryTimeout         time.Duration
	NumKVConnections     int
	EnableTLS            bool
	EnableMutationTokens bool
	Compression          bool
}

func defaultDialOptions() DialOptions {
	return DialOptions{
		KVTimeout:        10 * time.Second,
		QueryTimeout:     75 * time.Second,
		NumKVConnections: 2,
	}
}

// ParseConnectionString parses `couchbase://host[,host...][:port][?opt=val]`
// (§6 Environment inputs) into a list of seed addresses (host or host:port,
// as written) and dial options. Unknown query options are ignored for forward
// compatibility, matching C6's own parsing policy toward unknown config
// fields.
//
// Comma-separated host lists are not valid net/url authority syntax, so the
// scheme/hostlist/query split is hand-rolled rather than delegated entirely
// to net/url, the way the teacher hand-rolls its own small address
// compositions (net.JoinHostPort in broker.connect) instead of reaching for
// a heavier URI library that doesn't exist in the pack anyway.
func ParseConnectionString(s string) (seeds []string, opts DialOptions, err error) {
	opts = defaultDialOptions()

	const scheme = "couchbase://"
	rest := s
	if strings.HasPrefix(s, scheme) {
		rest = s[len(scheme):]
	} else if u, perr := url.Parse(s); perr == nil && u.Scheme != "" {
		return nil, opts, wrapf(ErrInvalidConfig, "unsupported connection string scheme %q", u.Scheme)
	} else {
		return nil, opts, wrapf(ErrInvalidConfig, "connection string %q missing couchbase:// scheme", s)
	}

	hostPart := rest
	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		hostPart = rest[:i]
		query = rest[i+1:]
	}
	if hostPart == "" {
		return nil, opts, wrapf(ErrInvalidConfig, "connection string %q has no hosts", s)
	}

	for _, h := range strings.Split(hostPart, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, _, serr := net.SplitHostPort(h); serr != nil {
			// Bare hostname with no port: leave as-is, DialConn
			// applies the default KV port.
		}
		seeds = append(seeds, h)
	}
	if len(seeds) == 0 {
		return nil, opts, wrapf(ErrInvalidConfig, "connection string %q has no usable hosts", s)
	}

	values, qerr := url.ParseQuery(query)
	if qerr != nil {
		return nil, opts, wrapf(ErrInvalidConfig, "invalid query options in %q: %v", s, qerr)
	}
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		switch k {
		case "kv_timeout":
			if d, derr := parseDuration(v); derr == nil {
				opts.KVTimeout = d
			}
		case "query_timeout":
			if d, derr := parseDuration(v); derr == nil {
				opts.QueryTimeout = d
			}
		case "num_kv_connections":
			if n, nerr := strconv.Atoi(v); nerr == nil && n > 0 {
				opts.NumKVConnections = n
			}
		case "enable_tls":
			opts.EnableTLS = parseBool(v)
		case "enable_mutation_tokens":
			opts.EnableMutationTokens = parseBool(v)
		case "compression":
			opts.Compression = parseBool(v)
		default:
			// Unknown option: ignored for forward compatibility.
		}
	}
	return seeds, opts, nil
}

func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
