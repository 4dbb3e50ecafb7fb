package cdc

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"

	"vitalstream/internal/config"
	"vitalstream/internal/logging"
)

// maxResumeAttempts bounds the transient-upstream retry policy from
// spec.md §7: bounded backoff, final failure surfaces as a fatal log and
// aborts only this flow.
const maxResumeAttempts = 3

// Source is the blocking MySQL replication-log consumer. It dedicates its
// own goroutine (never the cooperative scheduler) and resumes the stream on
// transient failure with linear backoff, per spec.md §4.1 and §9's
// "blocking I/O inside an event-driven server" note.
type Source struct {
	cfg           *canal.Config
	decoder       *Decoder
	log           *logging.Logger
	allowedTables map[string]bool
}

// NewMySQLSource builds a replication source scoped to the configured
// allow-list of tables (spec.md §6: server_id, resume enabled, blocking,
// filtered to the table allow-list).
func NewMySQLSource(dbCfg config.Database, replCfg config.Replication, decoder *Decoder, log *logging.Logger) (*Source, error) {
	if log == nil {
		log = logging.L()
	}
	if len(replCfg.AllowedTables) == 0 {
		return nil, fmt.Errorf("replication allow-list must name at least one table")
	}

	cfg := canal.NewDefaultConfig()
	cfg.Addr = fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port)
	cfg.User = replCfg.User
	cfg.Password = replCfg.Password
	cfg.ServerID = replCfg.ServerID
	//1.- Skip the initial mysqldump snapshot; we only care about the live
	// row-insert stream, and resuming always picks up from the binlog.
	cfg.Dump.ExecutionPath = ""
	cfg.IncludeTableRegex = []string{tableRegex(dbCfg.Name, replCfg.AllowedTables)}

	allowed := make(map[string]bool, len(replCfg.AllowedTables))
	for _, t := range replCfg.AllowedTables {
		allowed[t] = true
	}

	return &Source{cfg: cfg, decoder: decoder, log: log, allowedTables: allowed}, nil
}

func tableRegex(schema string, tables []string) string {
	return fmt.Sprintf(`%s\.(%s)`, schema, strings.Join(tables, "|"))
}

// Run blocks, consuming row-insert events until stop is closed or the retry
// budget is exhausted. Intended to run on its own dedicated goroutine.
func (s *Source) Run(stop <-chan struct{}) error {
	attempt := 0
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		c, err := canal.NewCanal(s.cfg)
		if err != nil {
			return fmt.Errorf("create canal: %w", err)
		}
		c.SetEventHandler(&rowHandler{decoder: s.decoder, allowed: s.allowedTables})

		done := make(chan struct{})
		go func() {
			select {
			case <-stop:
				c.Close()
			case <-done:
			}
		}()

		runErr := c.Run()
		close(done)

		select {
		case <-stop:
			return nil
		default:
		}
		if runErr == nil {
			return nil
		}

		attempt++
		if attempt >= maxResumeAttempts {
			s.log.Error("replication stream exhausted retry budget",
				logging.Error(runErr), logging.Int("attempt", attempt))
			return fmt.Errorf("replication stream aborted after %d attempts: %w", attempt, runErr)
		}
		s.log.Warn("replication stream terminated, resuming with resume_stream=true",
			logging.Error(runErr), logging.Int("attempt", attempt))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}

// rowHandler bridges canal's push-based row events into Decoder.Handle,
// filtering to insert events on the configured table allow-list.
type rowHandler struct {
	canal.DummyEventHandler
	decoder *Decoder
	allowed map[string]bool
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	if e.Action != canal.InsertAction {
		return nil
	}
	if e.Table == nil || !h.allowed[e.Table.Name] {
		return nil
	}
	for _, row := range e.Rows {
		columns := make(map[string]any, len(e.Table.Columns))
		for i, col := range e.Table.Columns {
			if i < len(row) {
				columns[col.Name] = row[i]
			}
		}
		h.decoder.Handle(Row{Table: e.Table.Name, Columns: columns})
	}
	return nil
}

func (h *rowHandler) String() string { return "vitalstream.cdc.rowHandler" }
