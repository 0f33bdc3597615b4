package policy

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/submitd/submitd/applog"
)

// DNSBLZones lists the DNS-based blacklist domains consulted by Builtin.FilterFrom. Appending a
// suspect IPv4 address (reversed) to any zone and resolving it as an A query tells whether that
// IP has been reported as a spam source.
var DNSBLZones = []string{"dnsbl.sorbs.net", "bl.spamcop.net"}

// Builtin is the default Host: it rejects senders connecting from an IP address found on a DNS
// blacklist and sender or recipient addresses without a domain part, accepts everything else,
// stamps a Received header, and applies a conventional exponential backoff retry curve. Its only
// mutable state is the DNSBL verdict cache, which is mutex-guarded, so it is safe for concurrent
// use.
type Builtin struct {
	ServerName string
	AllowTLS   bool
	Logger     *applog.Logger

	Resolver     *net.Resolver // nil uses net.DefaultResolver
	DNSBLTimeout time.Duration

	blCache *blacklistCache
}

// dnsblCacheSize bounds how many distinct connecting addresses keep a remembered DNSBL verdict.
const dnsblCacheSize = 4096

// NewBuiltin constructs a Builtin policy host identifying itself as serverName in Received headers.
func NewBuiltin(serverName string, allowTLS bool) *Builtin {
	return &Builtin{
		ServerName:   serverName,
		AllowTLS:     allowTLS,
		Logger:       &applog.Logger{ComponentName: "policy"},
		DNSBLTimeout: time.Second,
		blCache:      newBlacklistCache(dnsblCacheSize),
	}
}

func (b *Builtin) CanDoTLS() bool { return b.AllowTLS }

// FilterFrom rejects the sender outright when the connecting IP is DNS-blacklisted, or when the
// address is not empty (the null reverse-path used by bounces) but lacks a domain part; otherwise
// it accepts.
func (b *Builtin) FilterFrom(ctx context.Context, sender string, conn *ConnectionMetadata) Verdict {
	if sender != "" {
		if _, domain := SplitAddress(sender); domain == "" {
			return Verdict{
				Decision:       Reject,
				Code:           501,
				EnhancedStatus: "5.1.7",
				Message:        "sender address missing a domain",
			}
		}
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr)
	if err != nil {
		host = conn.RemoteAddr
	}
	if b.isBlacklisted(ctx, host) {
		return Verdict{
			Decision:       Reject,
			Code:           550,
			EnhancedStatus: "5.7.1",
			Message:        "client address is listed by a DNS blacklist",
		}
	}
	return Accepted
}

// FilterTo rejects a recipient address with no domain part; otherwise it accepts, matching the
// upstream default of leaving further per-recipient policy to a deployment-specific Host.
func (b *Builtin) FilterTo(ctx context.Context, recipient string, mail *MailMetadata, conn *ConnectionMetadata) Verdict {
	if _, domain := SplitAddress(recipient); domain == "" {
		return Verdict{
			Decision:       Reject,
			Code:           501,
			EnhancedStatus: "5.1.3",
			Message:        "recipient address missing a domain",
		}
	}
	return Accepted
}

// ReceivedHeader stamps a minimal Received trace header.
func (b *Builtin) ReceivedHeader(conn *ConnectionMetadata, mail *MailMetadata) []byte {
	name := b.ServerName
	if name == "" {
		name = "submitd"
	}
	return []byte(fmt.Sprintf("Received: from %s by %s; %s\r\n", conn.RemoteAddr, name, time.Now().UTC().Format(time.RFC1123Z)))
}

// HandleMail accepts every completed message; callers are expected to compose body-content
// filters (e.g. size limits, attachment scanning) into a wrapping Host when needed.
func (b *Builtin) HandleMail(ctx context.Context, mail *MailMetadata, conn *ConnectionMetadata, body io.Reader) Verdict {
	return Accepted
}

// FoundInflightCheckDelay waits a few seconds before resuming a destination recovered from a
// crash, giving any stale TCP half-connection a chance to be torn down by the remote end first.
func (b *Builtin) FoundInflightCheckDelay() time.Duration { return 5 * time.Second }

// NextInterval implements a conventional exponential backoff: 1m, 2m, 4m, ... capped at 4h,
// giving up after 8 attempts.
func (b *Builtin) NextInterval(attempt int) (time.Duration, bool) {
	const maxAttempts = 8
	const maxDelay = 4 * time.Hour
	if attempt >= maxAttempts {
		return 0, false
	}
	delay := time.Minute
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay, true
		}
	}
	return delay, true
}

// LogStorageError forwards to the configured logger.
func (b *Builtin) LogStorageError(err error, id string) {
	b.Logger.Warning(id, err, "queue storage error")
}

func (b *Builtin) isBlacklisted(ctx context.Context, suspectIP string) bool {
	if b.blCache != nil {
		if verdict, found := b.blCache.Get(suspectIP); found {
			return verdict
		}
	}
	verdict := b.lookupBlacklisted(ctx, suspectIP)
	if b.blCache != nil {
		b.blCache.Put(suspectIP, verdict)
	}
	return verdict
}

func (b *Builtin) lookupBlacklisted(ctx context.Context, suspectIP string) bool {
	ipv4 := net.ParseIP(suspectIP).To4()
	if ipv4 == nil {
		return false
	}
	resolver := b.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := b.DNSBLTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result := make(chan bool, len(DNSBLZones))
	for _, zone := range DNSBLZones {
		lookupName := fmt.Sprintf("%d.%d.%d.%d.%s", ipv4[3], ipv4[2], ipv4[1], ipv4[0], zone)
		go func(name string) {
			_, err := resolver.LookupIPAddr(ctx, name)
			result <- err == nil
		}(lookupName)
	}
	for range DNSBLZones {
		select {
		case blacklisted := <-result:
			if blacklisted {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}
