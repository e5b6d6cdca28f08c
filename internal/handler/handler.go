package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/service"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/binary"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

// maxTransfer bounds the buffer a single read request may ask for.
const maxTransfer = 1 << 20

type Handler struct {
	service service.KernelService
}

func NewHandler(service service.KernelService) *Handler {
	return &Handler{service: service}
}

// params reads integer query parameters, remembering the first failure.
type params struct {
	r   *http.Request
	bad bool
}

func (p *params) str(name string) string {
	v := p.r.URL.Query().Get(name)
	if v == "" {
		p.bad = true
	}
	return v
}

func (p *params) int64Val(name string) int64 {
	v, err := strconv.ParseInt(p.str(name), 0, 64)
	if err != nil {
		p.bad = true
	}
	return v
}

func (p *params) uint64Val(name string) uint64 {
	v, err := strconv.ParseUint(p.str(name), 0, 64)
	if err != nil {
		p.bad = true
	}
	return v
}

func (p *params) intVal(name string) int {
	return int(p.int64Val(name))
}

// getOnly rejects anything but GET, as the kernel-side client only issues
// GET requests.
func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) HandleSpawn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid := p.int64Val("pid")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Spawn(ctx, pid); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleExit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid := p.int64Val("pid")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Exit(ctx, pid); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleErrno(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid := p.int64Val("pid")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	errno, err := h.service.Errno(ctx, pid)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, errno)
}

func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	source, target := p.str("source"), p.str("target")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Mount(ctx, source, target); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, path, flags := p.int64Val("pid"), p.str("path"), p.intVal("flags")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	fd, err := h.service.Open(ctx, pid, path, flags)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, fd)
}

func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, fd := p.int64Val("pid"), p.intVal("fd")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if _, err := h.service.Close(ctx, pid, fd); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, fd, length := p.int64Val("pid"), p.intVal("fd"), p.uint64Val("len")
	if p.bad || length > maxTransfer {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	buffer := make([]byte, length)
	n, err := h.service.Read(ctx, pid, fd, buffer)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	// Only the bytes actually read
	binary.WriteResponse(w, 0, buffer[:n])
}

func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleWrite"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if !getOnly(w, r) {
		logger.Warn("Method not allowed", slog.String("method", r.Method))
		return
	}

	p := params{r: r}
	pid, fd, dataBase64 := p.int64Val("pid"), p.intVal("fd"), p.str("data")
	if p.bad {
		logger.Warn("Missing or malformed parameters", slog.String("query", r.URL.RawQuery))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		logger.Warn("Failed to decode base64 data", slogext.Err(err))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	written, err := h.service.Write(ctx, pid, fd, data)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	logger.Debug("Write successful",
		slog.Int64("pid", pid),
		slog.Int("fd", fd),
		slog.Int64("bytes_written", written))
	binary.WriteInt64Response(w, 0, written)
}

func (h *Handler) HandleSeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, fd := p.int64Val("pid"), p.intVal("fd")
	offset, whence := p.int64Val("offset"), p.intVal("whence")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	pos, err := h.service.Seek(ctx, pid, fd, offset, whence)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, pos)
}

func (h *Handler) HandleDup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, fd := p.int64Val("pid"), p.intVal("fd")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	newfd, err := h.service.Dup(ctx, pid, fd)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, newfd)
}

func (h *Handler) HandleDup2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, oldfd, newfd := p.int64Val("pid"), p.intVal("old"), p.intVal("new")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	fd, err := h.service.Dup2(ctx, pid, oldfd, newfd)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, fd)
}

func (h *Handler) HandleIoctl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, fd := p.int64Val("pid"), p.intVal("fd")
	request, arg := p.uint64Val("request"), p.uint64Val("arg")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	res, err := h.service.Ioctl(ctx, pid, fd, request, arg)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, res)
}

func (h *Handler) HandleMmap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleMmap"

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid := p.int64Val("pid")
	addr, length := p.uint64Val("addr"), p.uint64Val("len")
	prot, flags := p.intVal("prot"), p.intVal("flags")
	fd, offset := p.intVal("fd"), p.int64Val("offset")
	if p.bad {
		logging.GetLoggerFromContextWithOp(ctx, op).Warn("Missing or malformed parameters",
			slog.String("query", r.URL.RawQuery))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	got, err := h.service.Mmap(ctx, pid, addr, length, prot, flags, fd, offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteInt64Response(w, 0, got)
}

func (h *Handler) HandleMunmap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, addr, length := p.int64Val("pid"), p.uint64Val("addr"), p.uint64Val("len")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if _, err := h.service.Munmap(ctx, pid, addr, length); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleExec(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	pid, path := p.int64Val("pid"), p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	img, err := h.service.Exec(ctx, pid, path)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeExecImage(img)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleMkdir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Mkdir(ctx, path)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeNodeMeta(meta)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Unlink(ctx, path); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleStat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Stat(ctx, path)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeNodeMeta(meta)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

// HandleReadDir returns the entry at index offset of the directory, one per
// request, like the kernel-side iterate loop expects.
func (h *Handler) HandleReadDir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getOnly(w, r) {
		return
	}

	p := params{r: r}
	path, offset := p.str("path"), p.uint64Val("offset")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	entries, err := h.service.ReadDir(ctx, path)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	if offset >= uint64(len(entries)) {
		binary.WriteResponse(w, -kerrors.ENOENT, nil)
		return
	}

	data, err := binary.EncodeDirent(&entries[offset])
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}

	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := `{"status":"ok","service":"kcore"}`
	w.Write([]byte(response))
}

// mapErrorToCode turns a failed call into the negative errno written as the
// response code.
func mapErrorToCode(err error) int64 {
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return -serviceErr.Code
	}
	return -kerrors.Errno(err)
}
