// Package ftp serves files over BSP using the PUP File Transfer Protocol.
// Commands and replies are marks; their arguments travel as property lists
// in the data between marks.
package ftp

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"
	log "github.com/sirupsen/logrus"

	"github.com/SimonJGillespie/ContraltoVRFarm/internal/bsp"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/metrics"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/plist"
	"github.com/SimonJGillespie/ContraltoVRFarm/internal/serial"
)

const (
	herald     = "pupd FTP server"
	dateLayout = "02-Jan-06 15:04:05"
)

type Worker struct {
	*bsp.BaseWorker
	files FileStore
	s     *stream
}

func NewFactory(files FileStore) bsp.WorkerFactory {
	return func(ch *bsp.Channel) bsp.Worker {
		w := &Worker{
			BaseWorker: bsp.NewBaseWorker(ch, "ftp"),
			files:      files,
			s:          newStream(ch),
		}
		w.Start(w.run)
		return w
	}
}

func (w *Worker) run() error {
	for {
		cmd, err := w.s.nextMark()
		if err != nil {
			return err
		}

		err = w.dispatch(cmd)
		var perr *ProtocolError
		if errors.As(err, &perr) {
			w.Log.WithError(err).Warn("Protocol error")
			err = w.s.no(CodeBadCommand, perr.Error())
		}
		if err != nil {
			return err
		}
	}
}

func (w *Worker) dispatch(cmd byte) error {
	w.Log.WithField("command", cmd).Debug("Command")
	switch cmd {
	case Version:
		return w.version()
	case Enumerate:
		return w.enumerate(false)
	case NewEnumerate:
		return w.enumerate(true)
	case Retrieve:
		return w.retrieve()
	case Store:
		return w.store(false)
	case NewStore:
		return w.store(true)
	case Delete:
		return w.delete()
	case Abort:
		// Nothing is in progress between commands.
		_, _, err := w.s.body()
		return err
	case EndOfCommand:
		return nil
	default:
		if _, _, err := w.s.body(); err != nil {
			return err
		}
		return w.s.no(CodeBadCommand, "unrecognized command")
	}
}

func (w *Worker) version() error {
	body, err := w.s.command()
	if err != nil {
		return err
	}
	var req versionRecord
	if err := serial.Decode(body, &req); err == nil {
		w.Log.WithFields(log.Fields{"version": req.Version, "herald": req.Herald}).Info("Client version")
	}

	resp, err := serial.Encode(&versionRecord{Version: ProtocolVersion, Herald: herald})
	if err != nil {
		return err
	}
	if err := w.s.send(Version, resp); err != nil {
		return err
	}
	return w.s.endCommand()
}

// request reads a command's property list. A malformed list is answered
// with No and reported as ok == false.
func (w *Worker) request() (*plist.PropertyList, bool, error) {
	body, err := w.s.command()
	if err != nil {
		return nil, false, err
	}
	pl, err := plist.Parse(string(body))
	if err != nil {
		w.Log.WithError(err).Warn("Malformed property list")
		return nil, false, w.s.no(CodeMalformedList, "malformed property list")
	}
	return pl, true, nil
}

// fileName extracts a bare file name from a request: Server-Filename if
// present, otherwise Name-Body, without any <directory> prefix or version.
func fileName(pl *plist.PropertyList) string {
	name, ok := pl.Value(plist.ServerFilename)
	if !ok {
		name, _ = pl.Value(plist.NameBody)
	}
	if i := strings.LastIndexByte(name, '>'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, "!;"); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func describe(fi FileInfo) *plist.PropertyList {
	pl := plist.New()
	pl.Set(plist.ServerFilename, fi.Name)
	pl.Set(plist.NameBody, fi.Name)
	pl.Set(plist.Type, "Binary")
	pl.Set(plist.ByteSize, "8")
	pl.Set(plist.Size, strconv.FormatInt(fi.Size, 10))
	pl.Set(plist.WriteDate, fi.ModTime.Format(dateLayout))
	return pl
}

func (w *Worker) matches(pl *plist.PropertyList) ([]FileInfo, bool, error) {
	pattern := fileName(pl)
	if pattern == "" {
		return nil, false, w.s.no(CodeIllegalFilename, "no file name given")
	}
	files, err := w.files.List(pattern)
	if err != nil {
		return nil, false, w.s.no(CodeIllegalFilename, "illegal file name")
	}
	if len(files) == 0 {
		return nil, false, w.s.no(CodeFileNotFound, "file not found")
	}
	return files, true, nil
}

func (w *Worker) enumerate(combined bool) error {
	pl, ok, err := w.request()
	if !ok {
		return err
	}
	files, ok, err := w.matches(pl)
	if !ok {
		return err
	}

	if combined {
		var sb strings.Builder
		for _, fi := range files {
			sb.WriteString(describe(fi).String())
		}
		if err := w.s.send(HereIsPropertyList, []byte(sb.String())); err != nil {
			return err
		}
		return w.s.endCommand()
	}

	for _, fi := range files {
		if err := w.s.send(HereIsPropertyList, []byte(describe(fi).String())); err != nil {
			return err
		}
	}
	return w.s.endCommand()
}

// confirm offers one file to the client and reads its Yes or No.
func (w *Worker) confirm(fi FileInfo) (bool, error) {
	if err := w.s.send(HereIsPropertyList, []byte(describe(fi).String())); err != nil {
		return false, err
	}
	if err := w.s.endCommand(); err != nil {
		return false, err
	}

	answer, err := w.s.nextMark()
	if err != nil {
		return false, err
	}
	if _, err := w.s.command(); err != nil {
		return false, err
	}
	switch answer {
	case Yes:
		return true, nil
	case No:
		return false, nil
	}
	return false, &ProtocolError{Expected: Yes, Got: answer}
}

func (w *Worker) retrieve() error {
	pl, ok, err := w.request()
	if !ok {
		return err
	}
	files, ok, err := w.matches(pl)
	if !ok {
		return err
	}

	for _, fi := range files {
		wanted, err := w.confirm(fi)
		if err != nil {
			return err
		}
		if !wanted {
			continue
		}
		if err := w.sendFile(fi.Name); err != nil {
			return err
		}
	}
	return w.s.endCommand()
}

func (w *Worker) sendFile(name string) error {
	rc, fi, err := w.files.Open(name)
	if err != nil {
		w.Log.WithError(err).WithField("file", name).Warn("Unable to open file")
		return w.s.no(CodeFileNotFound, "file not found")
	}
	defer func() {
		if err := rc.Close(); err != nil {
			w.Log.WithError(err).Error("Could not close file")
		}
	}()

	if err := w.s.send(HereIsFile, nil); err != nil {
		return err
	}
	n, err := io.Copy(w.Channel, rc)
	if err != nil {
		return fmt.Errorf("sending %s: %w", name, err)
	}
	metrics.WorkerBytes.WithLabelValues("ftp", "out").Add(float64(n))
	w.Log.WithField("file", fi.Name).Infof("Sent %s", sizestr.ToString(n))
	return w.s.yes(CodeOK, "transfer complete")
}

func (w *Worker) store(newStyle bool) error {
	pl, ok, err := w.request()
	if !ok {
		return err
	}
	name := fileName(pl)
	if name == "" || strings.Contains(name, "*") {
		return w.s.no(CodeIllegalFilename, "illegal file name")
	}

	wc, err := w.files.Create(name)
	if err != nil {
		w.Log.WithError(err).WithField("file", name).Warn("Unable to create file")
		if errors.Is(err, ErrIllegalName) {
			return w.s.no(CodeIllegalFilename, "illegal file name")
		}
		return w.s.no(CodeAccessDenied, "cannot create file")
	}

	if newStyle {
		pl.Set(plist.ServerFilename, name)
		if err := w.s.send(HereIsPropertyList, []byte(pl.String())); err != nil {
			wc.Close()
			return err
		}
		err = w.s.endCommand()
	} else {
		err = w.s.yes(CodeOK, "ready")
	}
	if err != nil {
		wc.Close()
		return err
	}

	n, complete, err := w.receiveFile(wc)
	cerr := wc.Close()
	if err != nil {
		return err
	}
	if !complete {
		w.Log.WithField("file", name).Warn("Client abandoned store")
		if derr := w.files.Delete(name); derr != nil {
			w.Log.WithError(derr).Debug("Could not remove partial file")
		}
		return nil
	}

	if cerr != nil {
		w.Log.WithError(cerr).WithField("file", name).Error("Could not save file")
		return w.s.no(CodeTransferFailed, "could not save file")
	}

	metrics.WorkerBytes.WithLabelValues("ftp", "in").Add(float64(n))
	w.Log.WithField("file", name).Infof("Stored %s", sizestr.ToString(n))
	return w.s.yes(CodeOK, "transfer complete")
}

// receiveFile copies a HereIsFile body into wc and reads the client's
// closing Yes or No.
func (w *Worker) receiveFile(wc io.Writer) (int64, bool, error) {
	mark, err := w.s.nextMark()
	if err != nil {
		return 0, false, err
	}
	switch mark {
	case HereIsFile:
	case No:
		_, err := w.s.command()
		return 0, false, err
	default:
		return 0, false, &ProtocolError{Expected: HereIsFile, Got: mark}
	}

	var total int64
	var term byte
	for {
		n, m, err := w.Channel.Read(w.s.buf)
		if err != nil {
			return total, false, err
		}
		if m != nil {
			term = m.Code
			break
		}
		if _, err := wc.Write(w.s.buf[:n]); err != nil {
			return total, false, fmt.Errorf("writing file: %w", err)
		}
		total += int64(n)
	}

	if _, err := w.s.command(); err != nil {
		return total, false, err
	}
	return total, term == Yes, nil
}

func (w *Worker) delete() error {
	pl, ok, err := w.request()
	if !ok {
		return err
	}
	files, ok, err := w.matches(pl)
	if !ok {
		return err
	}

	for _, fi := range files {
		wanted, err := w.confirm(fi)
		if err != nil {
			return err
		}
		if !wanted {
			continue
		}
		if err := w.files.Delete(fi.Name); err != nil {
			w.Log.WithError(err).WithField("file", fi.Name).Warn("Unable to delete file")
			if err := w.s.no(CodeAccessDenied, "cannot delete file"); err != nil {
				return err
			}
			continue
		}
		w.Log.WithField("file", fi.Name).Info("Deleted")
		if err := w.s.yes(CodeOK, "deleted"); err != nil {
			return err
		}
	}
	return w.s.endCommand()
}
