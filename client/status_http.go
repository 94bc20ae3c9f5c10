package client

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Kapim/era-5g-client/core/logx"
)

// systemStats is the host resource part of the status payload.
type systemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	Goroutines int     `json:"goroutines"`
}

type statusPayload struct {
	Client ClientState `json:"client"`
	System systemStats `json:"system"`
}

func systemSnapshot() systemStats {
	s := systemStats{Goroutines: runtime.NumGoroutine()}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
		s.MemUsedMB = vm.Used >> 20
	}
	return s
}

// StartStatusServer starts an HTTP server exposing status and version
// endpoints until ctx is done. It returns the address it is listening
// on.
func (c *NetAppClient) StartStatusServer(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusPayload{Client: c.State(), System: systemSnapshot()})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetVersionInfo())
	})
	addrOut, err := serveUntilContext(ctx, addr, mux)
	if err != nil {
		return "", err
	}
	logx.Log.Info().Str("addr", addrOut).Msg("status server started")
	return addrOut, nil
}
