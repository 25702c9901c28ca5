package handler

import (
	"net/http"
)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("/health", h.HandleHealthCheck)

	// Sessions
	mux.HandleFunc("/api/init", h.HandleInit)
	mux.HandleFunc("/api/release", h.HandleRelease)

	// Open files
	mux.HandleFunc("/api/open", h.HandleOpen)
	mux.HandleFunc("/api/close", h.HandleClose)
	mux.HandleFunc("/api/read", h.HandleRead)
	mux.HandleFunc("/api/write", h.HandleWrite)
	mux.HandleFunc("/api/lseek", h.HandleLseek)
	mux.HandleFunc("/api/readdir", h.HandleReadDir)
	mux.HandleFunc("/api/fstat", h.HandleFStat)

	// Paths
	mux.HandleFunc("/api/stat", h.HandleStat)
	mux.HandleFunc("/api/lstat", h.HandleLstat)
	mux.HandleFunc("/api/chmod", h.HandleChmod)
	mux.HandleFunc("/api/chown", h.HandleChown)
	mux.HandleFunc("/api/truncate", h.HandleTruncate)
	mux.HandleFunc("/api/creat", h.HandleCreat)
	mux.HandleFunc("/api/mkdir", h.HandleMkdir)
	mux.HandleFunc("/api/unlink", h.HandleUnlink)
	mux.HandleFunc("/api/readlink", h.HandleReadLink)
	mux.HandleFunc("/api/access", h.HandleAccess)
	mux.HandleFunc("/api/chdir", h.HandleChdir)
	mux.HandleFunc("/api/getcwd", h.HandleGetcwd)

	// Namespace
	mux.HandleFunc("/api/mount", h.HandleMount)
	mux.HandleFunc("/api/mounts", h.HandleMounts)
	mux.HandleFunc("/api/tree", h.HandleTree)
}
