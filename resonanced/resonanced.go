// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tryfinity/resonance/api/v1"
	"github.com/tryfinity/resonance/merkle"
	"github.com/tryfinity/resonance/resonanced/feed"
	"github.com/tryfinity/resonance/resonanced/ledger"
	"github.com/tryfinity/resonance/resonanced/metrics"
	"github.com/tryfinity/resonance/resonanced/reconciler"
	"github.com/tryfinity/resonance/resonanced/registry"
	"github.com/tryfinity/resonance/resonanced/store"
	"github.com/tryfinity/resonance/util"
)

const (
	forward = "X-Forwarded-For"

	bearerPrefix = "Bearer "

	// Directory layout under DataDir.
	storeDirname   = "store"
	markersDirname = "markers"
	stateDirname   = "state"
	supplyFilename = "supply.json"
)

// ResonanceServer application context.
type ResonanceServer struct {
	cfg     *config
	router  *mux.Router
	records *store.Store
	markers *ledger.MarkerTable
	supply  *ledger.SupplyTracker
	recon   *reconciler.Reconciler
}

// remoteAddr returns the client address for the audit trail, honoring
// X-Forwarded-For when a proxy added it.
func remoteAddr(r *http.Request) string {
	via := r.RemoteAddr
	xff := r.Header.Get(forward)
	if xff != "" {
		via = fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return via
}

// isAuthorized reports whether the request carries a bearer token matching
// one of the configured API tokens.
func (d *ResonanceServer) isAuthorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		return false
	}
	token := []byte(auth[len(bearerPrefix):])
	for _, t := range d.cfg.APITokens {
		if t == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t), token) == 1 {
			return true
		}
	}
	return false
}

// status returns the reconciliation counters.  POST carries a client
// provided id that is echoed back; GET takes no body.
func (d *ResonanceServer) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	if r.Method == http.MethodPost {
		decoder := json.NewDecoder(r.Body)
		if err := decoder.Decode(&s); err != nil {
			util.RespondWithError(w, http.StatusBadRequest,
				"Invalid request payload")
			return
		}
	}
	defer r.Body.Close()

	records, err := d.records.Count()
	if err != nil {
		// Generic internal error.
		errorCode := time.Now().Unix()
		log.Errorf("%v status error code %v: %v", r.RemoteAddr,
			errorCode, err)

		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not count records, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	rs := d.recon.Status()
	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID:          s.ID,
		Pending:     rs.PendingMarkers,
		Confirmed:   rs.Confirmed,
		Records:     records,
		Cursor:      rs.Cursor,
		MerkleRoot:  rs.MerkleRoot,
		AnchoredRef: rs.AnchoredRef,
	})
}

// marker records a pending intent marker for a transfer that is expected to
// confirm later.
func (d *ResonanceServer) marker(w http.ResponseWriter, r *http.Request) {
	var m v1.Marker
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&m); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	marker, err := d.markers.RecordMarker(m.Payload)
	if err != nil {
		// Generic internal error.
		errorCode := time.Now().Unix()
		log.Errorf("%v marker error code %v: %v", r.RemoteAddr,
			errorCode, err)

		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not record marker, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}
	metrics.RecordMarkerCreated(false)

	log.Infof("Marker %v: accepted %v", remoteAddr(r), marker.MarkerID)

	util.RespondWithJSON(w, http.StatusOK, v1.MarkerReply{
		ID:              m.ID,
		MarkerID:        marker.MarkerID,
		ServerTimestamp: marker.Created,
		Result:          v1.ResultOK,
	})
}

// verify answers one VerifyRecord per submitted external reference.  Anchor
// information is attached when the record is covered by the last committed
// tree.
func (d *ResonanceServer) verify(w http.ResponseWriter, r *http.Request) {
	var v v1.Verify
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&v); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	log.Infof("Verify %v: %v references", remoteAddr(r),
		len(v.ExternalRefs))

	// The commit record is read once so every reference in the request is
	// answered against the same tree.
	cr := d.recon.LastCommit()
	var (
		leaves []*[sha256.Size]byte
		anchor v1.AnchorInformation
	)
	if cr != nil {
		leaves = cr.LeafPointers()
		anchor = v1.AnchorInformation{
			CommitTimestamp: cr.CommitTimestamp,
			AnchorTimestamp: cr.AnchorTimestamp,
			AnchoredRef:     cr.AnchoredRef,
			MerkleRoot:      hex.EncodeToString(cr.MerkleRoot[:]),
		}
	}

	records := make([]v1.VerifyRecord, 0, len(v.ExternalRefs))
	for _, ref := range v.ExternalRefs {
		if !v1.RegexpExternalRef.MatchString(ref) {
			records = append(records, v1.VerifyRecord{
				ExternalRef: ref,
				Result:      v1.ResultInvalidError,
			})
			continue
		}

		id, digest, err := d.records.Digest(ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				records = append(records, v1.VerifyRecord{
					ExternalRef: ref,
					ResonanceID: id,
					Result:      v1.ResultDoesntExistError,
				})
				continue
			}

			// Generic internal error.
			errorCode := time.Now().Unix()
			log.Errorf("%v verify error code %v: %v", r.RemoteAddr,
				errorCode, err)

			util.RespondWithError(w, http.StatusInternalServerError,
				fmt.Sprintf("Could not retrieve records, "+
					"contact administrator and provide the "+
					"following error code: %v", errorCode))
			return
		}

		vr := v1.VerifyRecord{
			ExternalRef: ref,
			ResonanceID: id,
			Digest:      hex.EncodeToString(digest[:]),
			Result:      v1.ResultOK,
		}
		// Records stored after the last commit have no path yet.  A
		// branch whose first hash is not the leaf carries the root
		// alone and proves nothing for this record.
		if cr != nil {
			branch := merkle.AuthPath(leaves, digest)
			if branch != nil && branch.Hashes[0] == *digest {
				vr.AnchorInformation = anchor
				vr.AnchorInformation.MerklePath = *branch
			}
		}
		records = append(records, vr)
	}

	util.RespondWithJSON(w, http.StatusOK, v1.VerifyReply{
		ID:      v.ID,
		Records: records,
	})
}

// record returns the decrypted record stored for an external reference.  The
// route requires an API token and record queries must be enabled.
func (d *ResonanceServer) record(w http.ResponseWriter, r *http.Request) {
	if !d.isAuthorized(r) {
		util.RespondWithError(w, http.StatusUnauthorized,
			"Not authorized")
		return
	}
	if !d.cfg.EnableRecordQueries {
		util.RespondWithError(w, http.StatusForbidden,
			v1.Result[v1.ResultDisabled])
		return
	}

	ref := mux.Vars(r)["ref"]
	if !v1.RegexpExternalRef.MatchString(ref) {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid external reference")
		return
	}

	payload, digest, err := d.records.Get(ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.RespondWithError(w, http.StatusNotFound,
				v1.Result[v1.ResultDoesntExistError])
			return
		}

		// Generic internal error.
		errorCode := time.Now().Unix()
		log.Errorf("%v record error code %v: %v", r.RemoteAddr,
			errorCode, err)

		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not retrieve record, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Record %v: %v", remoteAddr(r), payload.ResonanceID)

	util.RespondWithJSON(w, http.StatusOK, v1.RecordReply{
		ResonanceID: payload.ResonanceID,
		ExternalRef: payload.ExternalRef,
		From:        payload.From,
		To:          payload.To,
		Value:       payload.Value,
		Received:    payload.Received,
		Metadata:    payload.Metadata,
		Digest:      digest,
	})
}

// supply processes an externally observed circulating supply report and
// applies the burn rule.  The route requires an API token.
func (d *ResonanceServer) supplyReport(w http.ResponseWriter, r *http.Request) {
	if !d.isAuthorized(r) {
		util.RespondWithError(w, http.StatusUnauthorized,
			"Not authorized")
		return
	}

	var sr v1.SupplyReport
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&sr); err != nil {
		util.RespondWithError(w, http.StatusBadRequest,
			"Invalid request payload")
		return
	}
	defer r.Body.Close()

	burned, state, err := d.supply.Report(sr.Circulating)
	if err != nil {
		// Generic internal error.
		errorCode := time.Now().Unix()
		log.Errorf("%v supply error code %v: %v", r.RemoteAddr,
			errorCode, err)

		util.RespondWithError(w, http.StatusInternalServerError,
			fmt.Sprintf("Could not process supply report, contact "+
				"administrator and provide the following "+
				"error code: %v", errorCode))
		return
	}

	log.Infof("Supply %v: circulating %v burned %v", remoteAddr(r),
		sr.Circulating, burned)

	util.RespondWithJSON(w, http.StatusOK, v1.SupplyReportReply{
		ID:          sr.ID,
		Burned:      burned,
		BurnedTotal: state.BurnedTotal,
		Circulating: state.Circulating,
		TotalSupply: state.TotalSupply,
		BurnTarget:  state.BurnTarget,
	})
}

// lastAnchor returns the most recent commit and, when the registry accepted
// it, the anchor reference and timestamp.
func (d *ResonanceServer) lastAnchor(w http.ResponseWriter, r *http.Request) {
	cr := d.recon.LastCommit()
	if cr == nil {
		util.RespondWithError(w, http.StatusNotFound,
			v1.Result[v1.ResultDoesntExistError])
		return
	}

	util.RespondWithJSON(w, http.StatusOK, v1.LastAnchorReply{
		MerkleRoot:      hex.EncodeToString(cr.MerkleRoot[:]),
		AnchoredRef:     cr.AnchoredRef,
		CommitTimestamp: cr.CommitTimestamp,
		AnchorTimestamp: cr.AnchorTimestamp,
		NumLeaves:       uint64(len(cr.Leaves)),
	})
}

// statusWriter captures the response code for request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with prometheus request accounting for route.
func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		begin := time.Now()
		h(sw, r)
		metrics.RecordHTTPRequest(r.Method, route, sw.status,
			time.Since(begin))
	}
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Network : %v", activeNetParams.Name)
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already
	// exist.
	if !fileExists(loadedCfg.HTTPSKey) &&
		!fileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair(elliptic.P256(), "resonanced",
			loadedCfg.HTTPSCert, loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}

	// The master key is provisioned out of band.  Refusing to start
	// without it beats generating one on the fly and sealing records
	// nobody can restore.
	masterKey, err := store.LoadMasterKey(loadedCfg.KeyFile)
	if err != nil {
		return fmt.Errorf("master key %v: %v", loadedCfg.KeyFile, err)
	}

	// Setup application context.
	d := &ResonanceServer{
		cfg: loadedCfg,
	}

	d.records, err = store.New(filepath.Join(loadedCfg.DataDir,
		storeDirname), masterKey)
	if err != nil {
		return err
	}
	d.markers, err = ledger.New(filepath.Join(loadedCfg.DataDir,
		markersDirname))
	if err != nil {
		return err
	}
	d.supply, err = ledger.NewSupplyTracker(filepath.Join(loadedCfg.DataDir,
		supplyFilename), loadedCfg.TotalSupply, loadedCfg.BurnTarget)
	if err != nil {
		return err
	}

	feedClient, err := feed.New(loadedCfg.FeedHost, loadedCfg.FeedCert)
	if err != nil {
		return err
	}
	registryClient, err := registry.New(loadedCfg.RegistryHost,
		loadedCfg.RegistryCert)
	if err != nil {
		return err
	}
	state, err := reconciler.OpenState(filepath.Join(loadedCfg.DataDir,
		stateDirname))
	if err != nil {
		return err
	}

	d.recon, err = reconciler.New(reconciler.Config{
		PollInterval:   time.Duration(loadedCfg.PollInterval) * time.Second,
		CommitSchedule: loadedCfg.CommitSchedule,
	}, d.markers, d.records, feedClient, registryClient, state)
	if err != nil {
		return err
	}

	// Run the reconciler.  A startup failure, such as a feed that stays
	// unreachable past the retry window, surfaces on the channel and
	// terminates the daemon.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconC := make(chan error, 1)
	go func() {
		reconC <- d.recon.Run(ctx)
		close(reconC)
	}()

	// Setup mux
	d.router = mux.NewRouter()
	d.router.HandleFunc(v1.StatusRoute,
		instrument(v1.StatusRoute, d.status)).Methods("GET", "POST")
	d.router.HandleFunc(v1.MarkerRoute,
		instrument(v1.MarkerRoute, d.marker)).Methods("POST")
	d.router.HandleFunc(v1.VerifyRoute,
		instrument(v1.VerifyRoute, d.verify)).Methods("POST")
	d.router.HandleFunc(v1.RecordRoute+"{ref}",
		instrument(v1.RecordRoute, d.record)).Methods("GET")
	d.router.HandleFunc(v1.SupplyRoute,
		instrument(v1.SupplyRoute, d.supplyReport)).Methods("POST")
	d.router.HandleFunc(v1.LastAnchorRoute,
		instrument(v1.LastAnchorRoute, d.lastAnchor)).Methods("GET")
	d.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Replies carry no secrets, so queries are allowed from anywhere.
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	// Bind to a port and pass our router in
	listenC := make(chan error)
	for _, listener := range loadedCfg.Listeners {
		listen := listener
		go func() {
			log.Infof("Listen: %v", listen)
			listenC <- http.ListenAndServeTLS(listen,
				loadedCfg.HTTPSCert, loadedCfg.HTTPSKey,
				cors(d.router))
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigs:
			log.Infof("Terminating with %v", sig)
			goto done
		case err := <-listenC:
			log.Errorf("%v", err)
			goto done
		case err := <-reconC:
			if err != nil {
				log.Errorf("Reconciler: %v", err)
			}
			goto done
		}
	}
done:
	// Stop the reconciler and wait it out before touching the databases
	// under it.
	cancel()
	if err := <-reconC; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Reconciler: %v", err)
	}

	// Flush records stored since the last scheduled commit.
	fctx, fcancel := context.WithTimeout(context.Background(), time.Minute)
	if err := d.recon.Commit(fctx); err != nil {
		log.Errorf("Final commit: %v", err)
	}
	fcancel()

	state.Close()
	d.markers.Close()
	d.records.Close()

	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
