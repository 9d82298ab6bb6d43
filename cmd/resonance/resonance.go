// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	v1 "github.com/tryfinity/resonance/api/v1"
	"github.com/tryfinity/resonance/merkle"
)

const (
	resonanceClientID = "resonance cli"
)

var (
	testnet   = flag.Bool("testnet", false, "Use testnet port")
	debug     = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson = flag.Bool("json", false, "Print JSON response from server")
	host      = flag.String("h", "", "Resonance host")
	trial     = flag.Bool("t", false, "Trial run, don't contact server")
	verbose   = flag.Bool("v", false, "Verbose")
	skipVerify = flag.Bool("skipverify", false, "Skip TLS certificate "+
		"verification")
	status = flag.Bool("status", false, "Fetch reconciliation status")
	last   = flag.Bool("last", false, "Fetch last anchor information")
	record = flag.String("record", "", "Fetch the decrypted record for an "+
		"external reference (requires apitoken)")
)

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// isExternalRef determines if a string is a valid external ledger reference.
func isExternalRef(ref string) bool {
	return v1.RegexpExternalRef.MatchString(ref)
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e interface{}
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	m, ok := e.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("could not decode response")
	}
	rError, ok := m["error"]
	if !ok {
		return "", fmt.Errorf("no error response")
	}
	return fmt.Sprintf("%v", rError), nil
}

func newClient(skipVerify bool) *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// submitMarker records one pending marker with the provided payload.
func submitMarker(payload map[string]string) error {
	m := v1.Marker{
		ID:      resonanceClientID,
		Payload: payload,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}

	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return nil
	}

	c := newClient(*skipVerify)
	r, err := c.Post(*host+v1.MarkerRoute, "application/json",
		bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	// Decode response.
	var reply v1.MarkerReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&reply); err != nil {
		return fmt.Errorf("could not decode MarkerReply: %v", err)
	}

	result, ok := v1.Result[reply.Result]
	if !ok {
		fmt.Printf("%v invalid error code %v\n", reply.MarkerID,
			reply.Result)
		return nil
	}
	fmt.Printf("%v %v\n", reply.MarkerID, result)

	if *verbose {
		fmt.Printf("Server timestamp: %v\n", reply.ServerTimestamp)
	}

	return nil
}

// verifyRefs asks the server for proof that records exist for the external
// references and checks the returned merkle paths client side.
func verifyRefs(refs []string) error {
	ver := v1.Verify{
		ID:           resonanceClientID,
		ExternalRefs: refs,
	}

	// Convert Verify to JSON
	b, err := json.Marshal(ver)
	if err != nil {
		return err
	}

	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return nil
	}

	c := newClient(*skipVerify)
	r, err := c.Post(*host+v1.VerifyRoute, "application/json",
		bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	// Decode response.
	var vr v1.VerifyReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&vr); err != nil {
		return fmt.Errorf("could not decode VerifyReply: %v", err)
	}

	for _, v := range vr.Records {
		result, ok := v1.Result[v.Result]
		if !ok {
			fmt.Printf("%v invalid error code %v\n", v.ExternalRef,
				v.Result)
			continue
		}
		if v.Result != v1.ResultOK {
			fmt.Printf("%v %v\n", v.ExternalRef, result)
			continue
		}

		// Verify merkle path.
		root, err := merkle.VerifyAuthPath(&v.AnchorInformation.MerklePath)
		if err != nil {
			if err != merkle.ErrEmpty {
				fmt.Printf("%v invalid auth path %v\n",
					v.ExternalRef, err)
				continue
			}
			fmt.Printf("%v Not committed\n", v.ExternalRef)
			continue
		}

		// Verify merkle root.
		merkleRoot, err := hex.DecodeString(v.AnchorInformation.MerkleRoot)
		if err != nil {
			fmt.Printf("invalid merkle root: %v\n", err)
			continue
		}
		// This is silly since we check against returned root.
		if !bytes.Equal(root[:], merkleRoot) {
			fmt.Printf("%v invalid merkle root\n", v.ExternalRef)
			continue
		}

		// Print the good news.
		if v.AnchorInformation.AnchorTimestamp == 0 {
			result = "Not anchored"
		}
		fmt.Printf("%v %v\n", v.ExternalRef, result)

		if !*verbose {
			continue
		}
		fmt.Printf("  %-15v: %v\n", "Resonance ID", v.ResonanceID)
		fmt.Printf("  %-15v: %v\n", "Digest", v.Digest)
		fmt.Printf("  %-15v: %v\n", "Merkle Root",
			v.AnchorInformation.MerkleRoot)

		// Only print additional info if we are anchored
		if v.AnchorInformation.AnchorTimestamp == 0 {
			continue
		}
		fmt.Printf("  %-15v: %v\n", "Anchor Time",
			v.AnchorInformation.AnchorTimestamp)
		fmt.Printf("  %-15v: %v\n", "Registry Ref",
			v.AnchorInformation.AnchoredRef)
	}

	return nil
}

// fetchStatus prints the server's reconciliation counters.
func fetchStatus() error {
	s := v1.Status{
		ID: resonanceClientID,
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return nil
	}

	c := newClient(*skipVerify)
	r, err := c.Post(*host+v1.StatusRoute, "application/json",
		bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	// Decode response.
	var sr v1.StatusReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&sr); err != nil {
		return fmt.Errorf("could not decode StatusReply: %v", err)
	}

	fmt.Printf("Pending    : %v\n", sr.Pending)
	fmt.Printf("Confirmed  : %v\n", sr.Confirmed)
	fmt.Printf("Records    : %v\n", sr.Records)
	fmt.Printf("Cursor     : %v\n", sr.Cursor)
	if sr.MerkleRoot != "" {
		fmt.Printf("Merkle Root: %v\n", sr.MerkleRoot)
	}
	if sr.AnchoredRef != "" {
		fmt.Printf("Anchored   : %v\n", sr.AnchoredRef)
	}

	return nil
}

// fetchLast prints the most recent commit and anchor information.
func fetchLast() error {
	// If this is a trial run return.
	if *trial {
		return nil
	}

	c := newClient(*skipVerify)
	r, err := c.Get(*host + v1.LastAnchorRoute)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	// Decode response.
	var lr v1.LastAnchorReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&lr); err != nil {
		return fmt.Errorf("could not decode LastAnchorReply: %v", err)
	}

	fmt.Printf("Merkle Root : %v\n", lr.MerkleRoot)
	fmt.Printf("Leaves      : %v\n", lr.NumLeaves)
	fmt.Printf("Committed   : %v\n", lr.CommitTimestamp)
	if lr.AnchoredRef != "" {
		fmt.Printf("Registry Ref: %v\n", lr.AnchoredRef)
		fmt.Printf("Anchored    : %v\n", lr.AnchorTimestamp)
	}

	return nil
}

// fetchRecord prints the decrypted record stored for an external reference.
// The server requires an API token for this route.
func fetchRecord(ref, apiToken string) error {
	if !isExternalRef(ref) {
		return fmt.Errorf("not an external reference: %v", ref)
	}

	// If this is a trial run return.
	if *trial {
		return nil
	}

	c := newClient(*skipVerify)
	req, err := http.NewRequest("GET", *host+v1.RecordRoute+ref, nil)
	if err != nil {
		return err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	r, err := c.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return fmt.Errorf("%v", r.Status)
		}
		return fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return nil
	}

	// Decode response.
	var rr v1.RecordReply
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&rr); err != nil {
		return fmt.Errorf("could not decode RecordReply: %v", err)
	}

	fmt.Printf("Resonance ID: %v\n", rr.ResonanceID)
	fmt.Printf("External Ref: %v\n", rr.ExternalRef)
	fmt.Printf("From        : %v\n", rr.From)
	fmt.Printf("To          : %v\n", rr.To)
	fmt.Printf("Value       : %v\n", rr.Value)
	fmt.Printf("Received    : %v\n", rr.Received)
	fmt.Printf("Digest      : %v\n", rr.Digest)
	keys := make([]string, 0, len(rr.Metadata))
	for k := range rr.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %v = %v\n", k, rr.Metadata[k])
	}

	return nil
}

func _main() error {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	if *host == "" {
		if *testnet {
			*host = v1.DefaultTestnetResonanceHost
		} else {
			*host = v1.DefaultMainnetResonanceHost
		}
	}

	port := v1.DefaultMainnetResonancePort
	if *testnet {
		port = v1.DefaultTestnetResonancePort
	}

	*host = normalizeAddress(*host, port)

	// Set port if not specified.
	u, err := url.Parse("https://" + *host)
	if err != nil {
		return err
	}
	*host = u.String()

	switch {
	case *status:
		return fetchStatus()
	case *last:
		return fetchLast()
	case *record != "":
		return fetchRecord(*record, cfg.APIToken)
	}

	// Arguments are external references to verify or key=value pairs that
	// together form the payload of a single marker.
	var refs []string
	payload := make(map[string]string)
	for _, a := range flag.Args() {
		if isExternalRef(a) {
			refs = append(refs, a)
			if *verbose {
				fmt.Printf("%-66v Verify\n", a)
			}
			continue
		}

		if kv := strings.SplitN(a, "=", 2); len(kv) == 2 && kv[0] != "" {
			payload[kv[0]] = kv[1]
			continue
		}

		return fmt.Errorf("%v is not an external reference or "+
			"key=value pair", a)
	}

	if len(refs) == 0 && len(payload) == 0 {
		return fmt.Errorf("nothing to do")
	}

	if len(payload) != 0 {
		err := submitMarker(payload)
		if err != nil {
			return err
		}
	}

	if len(refs) != 0 {
		err := verifyRefs(refs)
		if err != nil {
			return err
		}
	}

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
