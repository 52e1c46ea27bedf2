// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"code.hybscloud.com/devq"
	"github.com/gorilla/mux"
)

// newRouter serves read-only JSON snapshots of dev:
//
//	GET /debug/device
//	GET /debug/schedulers
//	GET /debug/schedulers/{id}   id is the xid or the numeric handle
func newRouter(dev *devq.Device) http.Handler {
	r := mux.NewRouter()
	d := r.PathPrefix("/debug").Subrouter()
	d.HandleFunc("/device", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, dev.Snapshot())
	}).Methods(http.MethodGet)
	d.HandleFunc("/schedulers", func(w http.ResponseWriter, _ *http.Request) {
		snaps := []devq.SchedulerSnapshot{}
		for _, s := range dev.Schedulers() {
			snaps = append(snaps, s.Snapshot())
		}
		writeJSON(w, http.StatusOK, snaps)
	}).Methods(http.MethodGet)
	d.HandleFunc("/schedulers/{id}", func(w http.ResponseWriter, req *http.Request) {
		s := findScheduler(dev, mux.Vars(req)["id"])
		if s == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such scheduler"})
			return
		}
		writeJSON(w, http.StatusOK, s.Snapshot())
	}).Methods(http.MethodGet)
	return r
}

func findScheduler(dev *devq.Device, id string) *devq.Scheduler {
	handle, err := strconv.ParseUint(id, 10, 64)
	for _, s := range dev.Schedulers() {
		if s.ID().String() == id || (err == nil && s.Handle() == handle) {
			return s
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
