package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/linkdata/rate"
	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/neevparikh/dns/cache"
	"github.com/neevparikh/dns/resolver"
)

var (
	queryTimeout   int
	queryRatelimit int
	queryUse4      bool
	queryUse6      bool
	queryDebug     bool
	queryForward   []string
)

var queryCmd = &cobra.Command{
	Use:   "query [qtype] name...",
	Short: "resolve names once and print the answers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 60, "query timeout in seconds")
	queryCmd.Flags().IntVar(&queryRatelimit, "ratelimit", 0, "rate limit upstream queries, 0 means no limit")
	queryCmd.Flags().BoolVarP(&queryUse4, "ipv4", "4", true, "use IPv4")
	queryCmd.Flags().BoolVarP(&queryUse6, "ipv6", "6", false, "use IPv6")
	queryCmd.Flags().BoolVar(&queryDebug, "debug", false, "print resolution steps")
	queryCmd.Flags().StringSliceVar(&queryForward, "forward", nil, "forward to these upstream servers instead of recursing")
}

func runQuery(cmd *cobra.Command, args []string) error {
	qtype := dns.TypeA
	var qnames []string
	for _, arg := range args {
		if x, ok := dns.StringToType[strings.ToUpper(arg)]; ok {
			qtype = x
		} else {
			qnames = append(qnames, arg)
		}
	}
	if len(qnames) == 0 {
		return fmt.Errorf("missing one or more names to query")
	}

	res, err := buildQueryResolver()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*time.Duration(queryTimeout))
	defer cancel()

	for _, qname := range qnames {
		msg, srv, err := res.DnsResolve(ctx, qname, qtype)
		printResult(srv, qtype, qname, msg, err)
	}
	return nil
}

func buildQueryResolver() (resolver.Resolver, error) {
	dnsCache := cache.New()
	if len(queryForward) > 0 {
		var upstreams []netip.AddrPort
		for _, s := range queryForward {
			ap, err := netip.ParseAddrPort(s)
			if err != nil {
				addr, aerr := netip.ParseAddr(s)
				if aerr != nil {
					return nil, fmt.Errorf("invalid upstream %q: %w", s, err)
				}
				ap = netip.AddrPortFrom(addr, 53)
			}
			upstreams = append(upstreams, ap)
		}
		return resolver.NewForwarder(nil, dnsCache, upstreams...), nil
	}

	var roots4, roots6 []netip.Addr
	if queryUse4 {
		roots4 = resolver.Roots4
	}
	if queryUse6 {
		roots6 = resolver.Roots6
	}
	var rateLimiter <-chan struct{}
	if queryRatelimit > 0 {
		maxrate := int32(queryRatelimit) // #nosec G115
		rateLimiter = rate.NewTicker(nil, &maxrate).C
	}
	rec := resolver.NewWithOptions(nil, dnsCache, roots4, roots6, rateLimiter)
	if queryDebug {
		rec.DefaultLogWriter = os.Stderr
	}
	return rec, nil
}

func printResult(srv netip.Addr, qtype uint16, qname string, msg *dns.Msg, err error) {
	fmt.Println(";;; ----------------------------------------------------------------------")
	fmt.Printf("; <<>> resolvd <<>> %s %s\n", resolver.DnsTypeToString(qtype), qname)
	if msg == nil && err != nil {
		msg = resolver.ServfailFor(qname, qtype, err)
		err = nil
	}
	if msg != nil {
		fmt.Println(msg)
	}
	if err != nil {
		fmt.Printf(";; ERROR: %v\n", err)
	}
	if srv.IsValid() {
		fmt.Printf(";; SERVER: %s\n", srv)
	}
}
