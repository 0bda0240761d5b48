// Command genhints fetches the published root hints file and regenerates
// resolver/roothints.gen.go from it.
package main

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/miekg/dns"
)

//go:embed roothints.go.tmpl
var roothintsgotmpl string

const rootHintsURL = "https://www.internic.net/domain/named.root"

type hint struct {
	Addr netip.Addr
	Host string
}

// Octets renders the address for netip.AddrFrom4.
func (h hint) Octets() string {
	b := h.Addr.As4()
	return fmt.Sprintf("%d, %d, %d, %d", b[0], b[1], b[2], b[3])
}

type roots struct {
	Roots4 []hint
	Roots6 []hint
}

var ErrUnexpectedHTTPStatus = errors.New("unexpected HTTP status")

type httpStatusError struct {
	statusCode int
}

func (e httpStatusError) Error() string {
	return "unexpected HTTP status " + strconv.Itoa(e.statusCode)
}

func (e httpStatusError) Is(err error) bool {
	return err == ErrUnexpectedHTTPStatus
}

func closeWithJoin(perr *error, c io.Closer) {
	if c != nil {
		if err := c.Close(); err != nil {
			*perr = errors.Join(*perr, err)
		}
	}
}

func fetchRootHints(client *http.Client, url string) (body []byte, err error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	var resp *http.Response
	if resp, err = client.Get(url); err == nil {
		defer closeWithJoin(&err, resp.Body)
		err = httpStatusError{statusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusOK {
			body, err = io.ReadAll(resp.Body)
		}
	}
	return
}

func parseRootHints(body []byte) (root4, root6 []hint, err error) {
	zp := dns.NewZoneParser(bytes.NewReader(body), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		host := strings.ToLower(rr.Header().Name)
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A); ok {
				if ip = ip.Unmap(); ip.Is4() {
					root4 = append(root4, hint{Addr: ip, Host: host})
				}
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				root6 = append(root6, hint{Addr: ip, Host: host})
			}
		}
	}
	sort.Slice(root4, func(i, j int) bool { return root4[i].Addr.Less(root4[j].Addr) })
	sort.Slice(root6, func(i, j int) bool { return root6[i].Addr.Less(root6[j].Addr) })
	return root4, root6, zp.Err()
}

func main() {
	client := &http.Client{Timeout: 10 * time.Second}
	body, err := fetchRootHints(client, rootHintsURL)
	if err == nil {
		var root4, root6 []hint
		if root4, root6, err = parseRootHints(body); err == nil {
			var of *os.File
			if len(os.Args) < 2 {
				of = os.Stdout
			} else {
				if of, err = os.Create(os.Args[1]); err == nil {
					defer closeWithJoin(&err, of)
				}
			}
			if err == nil {
				var t *template.Template
				if t, err = template.New("").Parse(roothintsgotmpl); err == nil {
					err = t.Execute(of, roots{Roots4: root4, Roots6: root6})
				}
			}
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
