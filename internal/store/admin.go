package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/kejingjing/sensible/internal/httputil"
	"github.com/kejingjing/sensible/internal/monitoring"
)

// AttachAdminRoutes mounts tailsql and a backup download on the debug mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(s.path), s.db, &tailsql.DBOptions{
		Label: "Sensible message log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.KVFunc("Store session", func() any { return s.session })
	debug.KVFunc("Store rows", func() any {
		m, e, err := s.Counts()
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%d measurements, %d events", m, e)
	})

	debug.Handle("backup", "Create and download a backup of the message log now", http.HandlerFunc(s.backup))
	return nil
}

func (s *Store) backup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("sensible-backup-%d.db", time.Now().UnixNano()))
	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		httputil.InternalServerError(w, "Failed to create backup", err)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		httputil.InternalServerError(w, "Failed to open backup file", err)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("backup: write failed: %v", err)
	}
}
