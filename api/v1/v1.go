// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"

	"github.com/tryfinity/resonance/merkle"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// ResultOK indicates the operation completed successfully.
	ResultOK = 0

	// ResultExistsError indicates the item already exists and was left
	// untouched.
	ResultExistsError = 1

	// ResultDoesntExistError indicates the marker or record does not
	// exist.
	ResultDoesntExistError = 2

	// ResultDisabled indicates querying is disabled.
	ResultDisabled = 3

	// ResultInvalidError indicates the submitted value failed validation.
	ResultInvalidError = 4

	// DefaultMainnetResonanceHost indicates the default mainnet resonance
	// host server.
	DefaultMainnetResonanceHost = "resonance.tryfinity.org"

	// DefaultMainnetResonancePort indicates the default mainnet resonance
	// host port.
	DefaultMainnetResonancePort = "49170"

	// DefaultTestnetResonanceHost indicates the default testnet resonance
	// host server.
	DefaultTestnetResonanceHost = "resonance-testnet.tryfinity.org"

	// DefaultTestnetResonancePort indicates the default testnet resonance
	// host port.
	DefaultTestnetResonancePort = "59170"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving the server status
	// and reconciliation counters.
	StatusRoute = RoutePrefix + "/status/"

	// MarkerRoute defines the API route for submitting intent markers.
	MarkerRoute = RoutePrefix + "/marker/"

	// VerifyRoute defines the API route for record verification.
	VerifyRoute = RoutePrefix + "/verify/" // Multi verify record

	// RecordRoute defines the API route for retrieving a single decrypted
	// record.  Requires an API token.
	RecordRoute = RoutePrefix + "/record/"

	// SupplyRoute defines the API route for reporting circulating supply.
	// Requires an API token.
	SupplyRoute = RoutePrefix + "/supply/"

	// LastAnchorRoute defines the API route for retrieving info about the
	// last successful anchor, such as merkle root, registry reference and
	// timestamps.
	LastAnchorRoute = RoutePrefix + "/last"

	// Result defines legible string messages to a reconciliation/query
	// result code.
	Result = map[int]string{
		ResultOK:               "OK",
		ResultExistsError:      "Exists",
		ResultDoesntExistError: "Doesn't exist",
		ResultDisabled:         "Query disallowed",
		ResultInvalidError:     "Invalid",
	}

	// RegexpSHA256 is the valid text representation of a sha256 digest,
	// which is also the shape of marker and resonance identifiers.
	RegexpSHA256 = regexp.MustCompile("^[A-Fa-f0-9]{64}$")

	// RegexpExternalRef is the valid text representation of an external
	// ledger reference.
	RegexpExternalRef = regexp.MustCompile("^0x[A-Fa-f0-9]{1,128}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
// The counters are an eventually consistent snapshot of the reconciler.
type StatusReply struct {
	ID          string `json:"id"`
	Pending     uint64 `json:"pending"`
	Confirmed   uint64 `json:"confirmed"`
	Records     uint64 `json:"records"`
	Cursor      uint64 `json:"cursor"`
	MerkleRoot  string `json:"merkleroot"`
	AnchoredRef string `json:"anchoredref"`
}

// Marker is used to ask the server to record a pending intent marker for a
// transfer that is expected to confirm later.  The payload is opaque to the
// server except for the optional from/to/amount keys which are used to match
// confirmations.  ID is user settable and can be used as a unique identifier
// by the client.
type Marker struct {
	ID      string            `json:"id"`
	Payload map[string]string `json:"payload"`
}

// MarkerReply is returned by the server after recording the marker.  ID is
// copied from the originating Marker call.  MarkerID is the server assigned
// identifier used to track the marker through confirmation.
type MarkerReply struct {
	ID              string `json:"id"`
	MarkerID        string `json:"markerid"`
	ServerTimestamp int64  `json:"servertimestamp"`
	Result          int    `json:"result"`
}

// Verify is used to ask the server to prove that records exist for the
// provided external references and that they are covered by an anchored
// merkle root.
type Verify struct {
	ID           string   `json:"id"`
	ExternalRefs []string `json:"externalrefs"`
}

// VerifyRecord is returned per external reference.  AnchorInformation is
// only populated when the record was part of a committed tree; an
// AnchorTimestamp of zero means the root was committed but not yet accepted
// by the registry.
type VerifyRecord struct {
	ExternalRef       string            `json:"externalref"`
	ResonanceID       string            `json:"resonanceid"`
	Digest            string            `json:"digest"`
	Result            int               `json:"result"`
	AnchorInformation AnchorInformation `json:"anchorinformation"`
}

// VerifyReply is returned by the server with one VerifyRecord per submitted
// external reference, in the same order.
type VerifyReply struct {
	ID      string         `json:"id"`
	Records []VerifyRecord `json:"records"`
}

// AnchorInformation describes the merkle commitment covering a record and
// the registry reference the root was anchored under.
type AnchorInformation struct {
	CommitTimestamp int64         `json:"committimestamp"`
	AnchorTimestamp int64         `json:"anchortimestamp"`
	AnchoredRef     string        `json:"anchoredref"`
	MerkleRoot      string        `json:"merkleroot"`
	MerklePath      merkle.Branch `json:"merklepath"`
}

// RecordReply is returned by the record route with the decrypted contents
// of a stored record.  This route requires an API token.
type RecordReply struct {
	ResonanceID string            `json:"resonanceid"`
	ExternalRef string            `json:"externalref"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Value       string            `json:"value"`
	Received    int64             `json:"received"`
	Metadata    map[string]string `json:"metadata"`
	Digest      string            `json:"digest"`
}

// SupplyReport is used to report the externally observed circulating supply.
// This route requires an API token.
type SupplyReport struct {
	ID          string `json:"id"`
	Circulating uint64 `json:"circulating"`
}

// SupplyReportReply is returned after processing a supply report.  Burned is
// the amount burned by this report, zero on all but the triggering report.
type SupplyReportReply struct {
	ID          string `json:"id"`
	Burned      uint64 `json:"burned"`
	BurnedTotal uint64 `json:"burnedtotal"`
	Circulating uint64 `json:"circulating"`
	TotalSupply uint64 `json:"totalsupply"`
	BurnTarget  uint64 `json:"burntarget"`
}

// LastAnchorReply returns the last committed merkle root and, when the root
// was accepted by the registry, the reference and timestamp of the anchor.
type LastAnchorReply struct {
	MerkleRoot      string `json:"merkleroot"`
	AnchoredRef     string `json:"anchoredref"`
	CommitTimestamp int64  `json:"committimestamp"`
	AnchorTimestamp int64  `json:"anchortimestamp"`
	NumLeaves       uint64 `json:"numleaves"`
}
