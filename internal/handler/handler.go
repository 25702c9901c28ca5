package handler

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/service"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/binary"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// MaxReadLen caps a single read request.
const MaxReadLen = 1 << 20

type Handler struct {
	service service.FileSystemService
}

func NewHandler(service service.FileSystemService) *Handler {
	return &Handler{service: service}
}

// params parses query arguments, remembering the first failure.
type params struct {
	q   url.Values
	bad bool
}

func newParams(r *http.Request) *params {
	return &params{q: r.URL.Query()}
}

func (p *params) str(name string) string {
	v := p.q.Get(name)
	if v == "" {
		p.bad = true
	}
	return v
}

// optional returns the argument without requiring it.
func (p *params) optional(name string) string {
	return p.q.Get(name)
}

func (p *params) int64(name string) int64 {
	v, err := strconv.ParseInt(p.str(name), 10, 64)
	if err != nil {
		p.bad = true
	}
	return v
}

// uint32 accepts decimal, 0o/0 octal and 0x hex, so modes can be given
// as 0755.
func (p *params) uint32(name string) uint32 {
	v, err := strconv.ParseUint(p.str(name), 0, 32)
	if err != nil {
		p.bad = true
	}
	return uint32(v)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// reply writes the errno of err, or 0 with payload.
func reply(w http.ResponseWriter, err error, payload []byte) {
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, payload)
}

func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	uid := p.uint32("uid")
	gid := p.uint32("gid")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Init(r.Context(), token, uid, gid), nil)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Release(r.Context(), token), nil)
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	flags := p.int64("flags")
	var mode uint32
	if p.optional("mode") != "" {
		mode = p.uint32("mode")
	}
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	fd, err := h.service.Open(r.Context(), token, path, int(flags), mode)
	if err != nil {
		reply(w, err, nil)
		return
	}
	binary.WriteInt64Response(w, 0, fd)
}

func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Close(r.Context(), token, fd), nil)
}

func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	length := p.int64("len")
	if p.bad || length < 0 || length > MaxReadLen {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	buffer := make([]byte, length)
	read, err := h.service.Read(r.Context(), token, fd, buffer)
	if err != nil {
		reply(w, err, nil)
		return
	}

	// Only the bytes actually read
	binary.WriteResponse(w, 0, buffer[:read])
}

func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleWrite"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	dataBase64 := p.optional("data")
	if p.bad {
		logger.Warn("Missing required parameters", slog.String("query", r.URL.RawQuery))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		logger.Warn("Failed to decode base64 data", slogext.Err(err))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	written, err := h.service.Write(ctx, token, fd, data)
	if err != nil {
		reply(w, err, nil)
		return
	}

	logger.Debug("Write successful", slog.Int64("fd", fd), slog.Int64("bytes_written", written))
	binary.WriteInt64Response(w, 0, written)
}

func (h *Handler) HandleLseek(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	offset := p.int64("offset")
	whence := p.int64("whence")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	pos, err := h.service.Lseek(r.Context(), token, fd, offset, int(whence))
	if err != nil {
		reply(w, err, nil)
		return
	}
	binary.WriteInt64Response(w, 0, pos)
}

func (h *Handler) HandleReadDir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	dirent, err := h.service.ReadDir(r.Context(), token, fd)
	if err != nil {
		reply(w, err, nil)
		return
	}

	data, err := binary.EncodeDirent(dirent)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleFStat(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	fd := p.int64("fd")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	st, err := h.service.FStat(r.Context(), token, fd)
	if err != nil {
		reply(w, err, nil)
		return
	}

	data, err := binary.EncodeStat(st)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleStat(w http.ResponseWriter, r *http.Request) {
	h.handleStat(w, r, false)
}

func (h *Handler) HandleLstat(w http.ResponseWriter, r *http.Request) {
	h.handleStat(w, r, true)
}

func (h *Handler) handleStat(w http.ResponseWriter, r *http.Request, lstat bool) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	stat := h.service.Stat
	if lstat {
		stat = h.service.Lstat
	}
	st, err := stat(r.Context(), token, path)
	if err != nil {
		reply(w, err, nil)
		return
	}

	data, err := binary.EncodeStat(st)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleChmod(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	mode := p.uint32("mode")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Chmod(r.Context(), token, path, mode), nil)
}

func (h *Handler) HandleChown(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	uid := p.uint32("uid")
	gid := p.uint32("gid")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Chown(r.Context(), token, path, uid, gid), nil)
}

func (h *Handler) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	size := p.int64("size")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Truncate(r.Context(), token, path, size), nil)
}

func (h *Handler) HandleCreat(w http.ResponseWriter, r *http.Request) {
	h.handleCreate(w, r, false)
}

func (h *Handler) HandleMkdir(w http.ResponseWriter, r *http.Request) {
	h.handleCreate(w, r, true)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, dir bool) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	mode := p.uint32("mode")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	create := h.service.Creat
	if dir {
		create = h.service.Mkdir
	}
	reply(w, create(r.Context(), token, path, mode), nil)
}

func (h *Handler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Unlink(r.Context(), token, path), nil)
}

func (h *Handler) HandleReadLink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	dest, err := h.service.ReadLink(r.Context(), token, path)
	reply(w, err, []byte(dest))
}

func (h *Handler) HandleAccess(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	want := p.uint32("want")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Access(r.Context(), token, path, want), nil)
}

func (h *Handler) HandleChdir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	reply(w, h.service.Chdir(r.Context(), token, path), nil)
}

func (h *Handler) HandleGetcwd(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	cwd, err := h.service.Getcwd(r.Context(), token)
	reply(w, err, []byte(cwd))
}

func (h *Handler) HandleMount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleMount"

	if !allowGet(w, r) {
		return
	}

	p := newParams(r)
	token := p.str("token")
	path := p.str("path")
	driver := p.str("driver")
	device := p.optional("device")
	options := p.optional("options")
	if p.bad {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	err := h.service.Mount(ctx, token, path, device, driver, options)
	if err == nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Info("Mounted",
			slogext.Path(path), slog.String("device", device), slog.String("driver", driver))
	}
	reply(w, err, nil)
}

func (h *Handler) HandleMounts(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	data, err := binary.EncodeMounts(h.service.Mounts(r.Context()))
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleTree(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	tree, err := h.service.Tree(r.Context())
	reply(w, err, tree)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := `{"status":"ok","service":"vfsd"}`
	w.Write([]byte(response))
}

func mapErrorToCode(err error) int64 {
	return kerrors.Code(err)
}
