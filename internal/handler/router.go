package handler

import (
	"net/http"
)

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// System endpoints
	mux.HandleFunc("/health", h.HandleHealthCheck)

	// Process lifecycle
	mux.HandleFunc("/api/spawn", h.HandleSpawn)
	mux.HandleFunc("/api/exit", h.HandleExit)
	mux.HandleFunc("/api/errno", h.HandleErrno)

	// Syscalls
	mux.HandleFunc("/api/open", h.HandleOpen)
	mux.HandleFunc("/api/close", h.HandleClose)
	mux.HandleFunc("/api/read", h.HandleRead)
	mux.HandleFunc("/api/write", h.HandleWrite)
	mux.HandleFunc("/api/seek", h.HandleSeek)
	mux.HandleFunc("/api/dup", h.HandleDup)
	mux.HandleFunc("/api/dup2", h.HandleDup2)
	mux.HandleFunc("/api/ioctl", h.HandleIoctl)
	mux.HandleFunc("/api/mmap", h.HandleMmap)
	mux.HandleFunc("/api/munmap", h.HandleMunmap)
	mux.HandleFunc("/api/exec", h.HandleExec)

	// Namespace
	mux.HandleFunc("/api/mount", h.HandleMount)
	mux.HandleFunc("/api/mkdir", h.HandleMkdir)
	mux.HandleFunc("/api/unlink", h.HandleUnlink)
	mux.HandleFunc("/api/stat", h.HandleStat)
	mux.HandleFunc("/api/readdir", h.HandleReadDir)
}
