// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Media types of DNS-over-HTTPS responses.
const (
	dohMediaTypeMessage    = "application/dns-message"
	dohMediaTypeUDPWire    = "application/dns-udpwireformat"
	dohMediaTypeJSON       = "application/dns-json"
	dohMediaTypePlainJSON  = "application/json"
	dohMediaTypeJavascript = "application/x-javascript"
)

// dohGETParams is the query string of a GET query.
type dohGETParams struct {
	Type string `url:"type"`
	DNS  string `url:"dns"`
}

// dohNormalizeName lowercases name and strips the trailing dot.
func dohNormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// dohASCIIName converts an IDN hostname to its ASCII form.
func dohASCIIName(name string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(dohNormalizeName(name))
	if err != nil {
		return "", err
	}
	return ascii, nil
}

// newDoHQuery serializes a recursive query for name. The ID is zero, as
// recommended for DNS-over-HTTPS because it is cache friendly.
func newDoHQuery(name string, qtype uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = 0
	msg.RecursionDesired = true
	return msg.Pack()
}

// newDoHRequest builds the HTTP request that queries endpoint about name.
//
// A GET request appends the type and dns parameters to the query string
// already present in endpoint. A POST request carries the message as body.
func newDoHRequest(endpoint *url.URL, name string, qtype uint16, useGET bool) (*http.Request, error) {
	ascii, err := dohASCIIName(name)
	if err != nil {
		return nil, err
	}
	raw, err := newDoHQuery(ascii, qtype)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if useGET {
		params, err := query.Values(dohGETParams{
			Type: dns.TypeToString[qtype],
			DNS:  base64.RawURLEncoding.EncodeToString(raw),
		})
		if err != nil {
			return nil, err
		}
		u := *endpoint
		values := u.Query()
		for key, list := range params {
			values[key] = append(values[key], list...)
		}
		u.RawQuery = values.Encode()
		req, err = http.NewRequest(http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	} else {
		req, err = http.NewRequest(http.MethodPost, endpoint.String(), bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", dohMediaTypeMessage)
	}
	req.Header.Set("Accept", dohMediaTypeMessage)
	return req, nil
}

// dohAnswer is a decoded answer. Alias answers have a non-empty Alias and
// no Addr.
type dohAnswer struct {
	Name  string
	Addr  netip.Addr
	Alias string
	TTL   uint32
}

// decodeDoHResponse decodes the answers of a DNS-over-HTTPS response
// whose body has already been read.
func decodeDoHResponse(resp *http.Response, body []byte) ([]dohAnswer, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &UnsupportedResponseError{ContentType: contentType}
	}
	switch {
	case mediaType == dohMediaTypeMessage, mediaType == dohMediaTypeUDPWire:
		return decodeDoHWire(body)
	case mediaType == dohMediaTypeJSON, mediaType == dohMediaTypePlainJSON,
		strings.HasPrefix(mediaType, dohMediaTypeJavascript):
		return decodeDoHJSON(body)
	default:
		return nil, &UnsupportedResponseError{ContentType: contentType}
	}
}

func decodeDoHWire(body []byte) ([]dohAnswer, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, &ProtocolDecodeError{Err: err}
	}
	var answers []dohAnswer
	for _, rr := range msg.Answer {
		if answer, ok := dohWireAnswer(rr); ok {
			answers = append(answers, answer)
		}
	}
	return answers, nil
}

// dohWireAnswer converts an A, AAAA, or CNAME record. Other records and
// records with malformed addresses are skipped.
func dohWireAnswer(rr dns.RR) (dohAnswer, bool) {
	hdr := rr.Header()
	answer := dohAnswer{Name: dohNormalizeName(hdr.Name), TTL: hdr.Ttl}
	var ok bool
	switch v := rr.(type) {
	case *dns.A:
		answer.Addr, ok = netip.AddrFromSlice(v.A.To4())
	case *dns.AAAA:
		answer.Addr, ok = netip.AddrFromSlice(v.AAAA.To16())
	case *dns.CNAME:
		answer.Alias, ok = dohNormalizeName(v.Target), true
	}
	return answer, ok
}

// dohJSONResponse is the subset of the JSON answer envelope we use. Entries
// either carry a record type, or are untyped with an alias or an address.
type dohJSONResponse struct {
	Answer []struct {
		Name  string `json:"name"`
		Type  uint16 `json:"type"`
		TTL   uint32 `json:"TTL"`
		Data  string `json:"data"`
		Alias string `json:"alias"`
	} `json:"Answer"`
}

func decodeDoHJSON(body []byte) ([]dohAnswer, error) {
	var envelope dohJSONResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ProtocolDecodeError{Err: err}
	}
	var answers []dohAnswer
	for _, entry := range envelope.Answer {
		answer := dohAnswer{Name: dohNormalizeName(entry.Name), TTL: entry.TTL}
		switch {
		case entry.Alias != "":
			answer.Alias = dohNormalizeName(entry.Alias)
		case entry.Type == dns.TypeA, entry.Type == dns.TypeAAAA:
			addr, err := netip.ParseAddr(entry.Data)
			if err != nil {
				return nil, &ProtocolDecodeError{Err: fmt.Errorf("invalid address %q: %w", entry.Data, err)}
			}
			answer.Addr = addr
		case entry.Type == dns.TypeCNAME:
			answer.Alias = dohNormalizeName(entry.Data)
		case entry.Type == 0:
			addr, err := netip.ParseAddr(entry.Data)
			if err != nil {
				continue
			}
			answer.Addr = addr
		default:
			continue
		}
		answers = append(answers, answer)
	}
	return answers, nil
}

// dohOutcome is the result of following the answers for one name.
type dohOutcome struct {
	// Addrs contains the addresses, if resolved.
	Addrs []netip.Addr

	// Alias is the name that must be queried next, if any.
	Alias string

	// TTL is the minimum TTL along the resolution chain.
	TTL uint32
}

// errDoHAliasLoop indicates an alias chain that loops.
var errDoHAliasLoop = errors.New("alias loop")

// dohAnswerSet indexes answers by name.
type dohAnswerSet struct {
	addrs   map[string][]netip.Addr
	aliases map[string]string
	ttls    map[string]uint32
}

func newDoHAnswerSet(answers []dohAnswer) *dohAnswerSet {
	set := &dohAnswerSet{
		addrs:   map[string][]netip.Addr{},
		aliases: map[string]string{},
		ttls:    map[string]uint32{},
	}
	for _, answer := range answers {
		if ttl, found := set.ttls[answer.Name]; !found || answer.TTL < ttl {
			set.ttls[answer.Name] = answer.TTL
		}
		if answer.Alias != "" {
			set.aliases[answer.Name] = answer.Alias
			continue
		}
		set.addrs[answer.Name] = append(set.addrs[answer.Name], answer.Addr)
	}
	return set
}

// Mentions returns whether the set contains any answer for name.
func (s *dohAnswerSet) Mentions(name string) bool {
	_, found := s.ttls[name]
	return found
}

// Follow follows the alias chain starting at name. The outcome either
// contains addresses or the alias whose answer is missing from the set.
func (s *dohAnswerSet) Follow(name string) (dohOutcome, error) {
	var outcome dohOutcome
	seen := map[string]bool{}
	for first := true; ; first = false {
		if seen[name] {
			return dohOutcome{}, errDoHAliasLoop
		}
		seen[name] = true
		ttl, found := s.ttls[name]
		if !found {
			outcome.Alias = name
			return outcome, nil
		}
		if first || ttl < outcome.TTL {
			outcome.TTL = ttl
		}
		if addrs := s.addrs[name]; len(addrs) > 0 {
			outcome.Addrs = addrs
			return outcome, nil
		}
		next, found := s.aliases[name]
		if !found {
			return outcome, nil
		}
		name = next
	}
}
