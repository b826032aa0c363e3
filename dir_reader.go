package binlog

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path"
	"time"
)

var fileHeader = []byte{0xfe, 'b', 'i', 'n'}

// dirReader tails a sequence of relay files written by Client.Relay,
// following binlog.index across file boundaries the same way a real MySQL
// replica tails its own relay log. It implements io.Reader so a *reader can
// be built on top of it with newFileReader; unlike a live Client
// connection, the bytes carry no packet framing.
//
// onRotate is called after switching to a new file (not on the first file),
// letting FileStreamSource clear the tableMapCache: table_id values are only
// unique within the lifetime of a single binlog file.
type dirReader struct {
	file     *os.File
	name     *string
	onRotate func()
	delay    time.Duration
}

func newDirReader(dir string, file *string, onRotate func()) (*dirReader, error) {
	f, err := openBinlogFile(path.Join(dir, *file))
	if err != nil {
		return nil, err
	}
	return &dirReader{file: f, name: file, onRotate: onRotate, delay: time.Second}, nil
}

func (r *dirReader) Read(p []byte) (int, error) {
	for {
		n, err := r.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, newErr(KindIOOther, "reading relay file", err)
		}
		if err == nil {
			return n, nil
		}

		next, err := nextBinlogFile(r.file.Name())
		if err != nil {
			return 0, err
		}
		if next == "" {
			time.Sleep(r.delay)
			continue
		}
		if _, err = os.Stat(next); err != nil {
			if os.IsNotExist(err) {
				time.Sleep(r.delay)
				continue
			}
			return 0, newErr(KindIOOther, "stat next relay file", err)
		}

		f, err := openBinlogFile(next)
		if err != nil {
			return 0, err
		}
		_ = r.file.Close()
		r.file = f
		*r.name = path.Base(next)
		if r.onRotate != nil {
			r.onRotate()
		}
	}
}

func openBinlogFile(file string) (*os.File, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, newErr(KindIOOther, "opening relay file", err)
	}
	header := make([]byte, 4)
	if _, err := io.ReadAtLeast(f, header, len(header)); err != nil {
		_ = f.Close()
		return nil, newErr(KindProtocolViolation, "reading relay file header", err)
	}
	if !bytes.Equal(header, fileHeader) {
		_ = f.Close()
		return nil, newErrf(KindProtocolViolation, nil, "%s has invalid file header", file)
	}
	return f, nil
}

func nextBinlogFile(name string) (string, error) {
	dir, file := path.Split(name)
	index, err := os.Open(path.Join(dir, "binlog.index"))
	if err != nil {
		return "", newErr(KindIOOther, "opening binlog.index", err)
	}
	defer index.Close()
	r := bufio.NewScanner(index)
	var text string
	for r.Scan() {
		if text == file {
			return path.Join(dir, r.Text()), nil
		}
		text = r.Text()
	}
	return "", nil
}
