// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package daemon exposes the submit surface consumed by the external
// collaborators (chat front-end, result store): a small HTTP API that
// accepts a sample, runs it through the sandbox pipeline and returns the
// verdict with the raw report.  Authorization and persistence live with
// the callers, not here.
package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/detonator-project/detonator/pkg/agent"
	"github.com/detonator-project/detonator/sandbox"
	"github.com/detonator-project/detonator/sandbox/types"
	"github.com/detonator-project/detonator/scorer"
)

var daemonLog = logrus.WithField("source", "daemon")

// maxSampleSize bounds uploads.
const maxSampleSize = 64 * 1024 * 1024

// Daemon serves the HTTP API in front of one supervisor.
type Daemon struct {
	supervisor *sandbox.Supervisor
	rules      *scorer.RuleSet
	thresholds scorer.Thresholds
	listen     string
}

// New returns a daemon ready to serve.
func New(sup *sandbox.Supervisor, rules *scorer.RuleSet, thresholds scorer.Thresholds, listen string) *Daemon {
	return &Daemon{
		supervisor: sup,
		rules:      rules,
		thresholds: thresholds,
		listen:     listen,
	}
}

// analyzeResponse is the wire shape of a completed analysis.
type analyzeResponse struct {
	Verdict    scorer.Verdict   `json:"verdict"`
	Score      int              `json:"score"`
	Techniques []string         `json:"techniques"`
	Findings   []scorer.Finding `json:"findings"`
	Report     *agent.Report    `json:"report,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Serve runs the HTTP listener until the context is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/v1/analyze", d.handleAnalyze).Methods(http.MethodPost)
	router.HandleFunc("/v1/health", d.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              d.listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	daemonLog.WithField("listen", d.listen).Info("serving")
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *Daemon) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSampleSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field: "+err.Error())
		return
	}
	defer file.Close()

	arch := types.Architecture(r.FormValue("arch"))
	if arch == "" {
		arch = types.ArchX64
	}
	if !arch.Valid() {
		writeError(w, http.StatusBadRequest, "unknown architecture")
		return
	}

	var timeout time.Duration
	if v := r.FormValue("timeout"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad timeout: "+err.Error())
			return
		}
		timeout = parsed
	}

	tmp, err := os.CreateTemp("", "sample_*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()

	task := sandbox.Task{FilePath: tmp.Name(), Arch: arch, Timeout: timeout}
	result, err := d.supervisor.RunTask(r.Context(), task, nil, d.rules, d.thresholds)

	resp := analyzeResponse{}
	if result != nil {
		resp.Verdict = result.Scored.Verdict
		resp.Score = result.Scored.Score
		resp.Techniques = result.Scored.Techniques
		resp.Findings = result.Scored.Findings
		resp.Report = result.Report
	}
	if err != nil {
		daemonLog.WithError(err).Warn("analysis failed")
		resp.Error = err.Error()
		if result == nil {
			resp.Verdict = scorer.VerdictError
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		daemonLog.WithError(err).Warn("cannot encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
