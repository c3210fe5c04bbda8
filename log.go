package prefork

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// ReopenableFile is a log file that can be reopened in place after it was
// rotated away.
type ReopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenReopenable(path string) (*ReopenableFile, error) {
	r := &ReopenableFile{path: path}
	if err := r.Reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ReopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

// Reopen opens the path again and switches writes to the new file.
func (r *ReopenableFile) Reopen() error {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "can't open log file %s", r.path)
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Fd is the descriptor of the currently open file.
func (r *ReopenableFile) Fd() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Fd()
}

func (r *ReopenableFile) Path() string {
	return r.path
}

func (r *ReopenableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// NewLogger builds the logger described by cfg. Records go to the log file
// if one is configured, to the journal when running as a systemd service,
// and to stderr otherwise. The returned file is nil unless cfg.File is set.
func NewLogger(cfg LogConfig, stderr io.Writer) (log15.Logger, *ReopenableFile, error) {
	lvl, err := log15.LvlFromString(cfg.Level)
	if err != nil {
		return nil, nil, errors.Wrap(err, "log level")
	}
	var format log15.Format
	switch cfg.Format {
	case "json":
		format = log15.JsonFormat()
	case "terminal":
		format = log15.TerminalFormat()
	default:
		format = log15.LogfmtFormat()
	}

	var h log15.Handler
	var file *ReopenableFile
	switch {
	case cfg.File != "":
		file, err = OpenReopenable(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		h = log15.StreamHandler(file, format)
	case underJournal():
		h = journalHandler("preforkd")
	default:
		h = log15.StreamHandler(stderr, format)
	}

	l := log15.New("pid", os.Getpid())
	l.SetHandler(log15.LvlFilterHandler(lvl, h))
	return l, file, nil
}

// underJournal reports whether stderr is connected to the journal of a
// systemd service.
func underJournal() bool {
	return os.Getenv("JOURNAL_STREAM") != "" && journal.Enabled()
}

// journalHandler sends records to journald with their context as fields.
func journalHandler(identifier string) log15.Handler {
	return log15.FuncHandler(func(r *log15.Record) error {
		fields := map[string]string{
			"SYSLOG_IDENTIFIER": identifier,
		}
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fields[journalField(fmt.Sprint(r.Ctx[i]))] = fmt.Sprint(r.Ctx[i+1])
		}
		return journal.Send(r.Msg, journalPriority(r.Lvl), fields)
	})
}

func journalPriority(lvl log15.Lvl) journal.Priority {
	switch lvl {
	case log15.LvlCrit:
		return journal.PriCrit
	case log15.LvlError:
		return journal.PriErr
	case log15.LvlWarn:
		return journal.PriWarning
	case log15.LvlInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalField makes a context key a valid journal field name: uppercase
// letters, digits and underscores, not starting with an underscore.
func journalField(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name == "" {
		return "FIELD"
	}
	return name
}

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}
