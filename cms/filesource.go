package cms

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"
)

// FileSource reads object and attachment records from newline-delimited
// JSON export files produced by the external CMS tooling. It exists so
// the sync commands have a record source without the workflow speaking
// the CMS wire protocol itself.
type FileSource struct {
	objectsPath     string
	attachmentsPath string
}

// NewFileSource creates a FileSource over the given export files.
// Either path may be empty when only one sync is run.
func NewFileSource(objectsPath, attachmentsPath string) *FileSource {
	return &FileSource{
		objectsPath:     objectsPath,
		attachmentsPath: attachmentsPath,
	}
}

// Objects implements Source.
func (source *FileSource) Objects(ctx context.Context, offset int64, modifiedSince *time.Time) (ObjectIterator, error) {
	if source.objectsPath == "" {
		return nil, Error.New("no objects file configured")
	}
	file, err := os.Open(source.objectsPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &objectFileIterator{
		fileIterator: fileIterator{
			file:          file,
			scanner:       newLineScanner(file),
			skip:          offset,
			modifiedSince: modifiedSince,
		},
	}, nil
}

// Attachments implements Source.
func (source *FileSource) Attachments(ctx context.Context, offset int64, modifiedSince *time.Time) (AttachmentIterator, error) {
	if source.attachmentsPath == "" {
		return nil, Error.New("no attachments file configured")
	}
	file, err := os.Open(source.attachmentsPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &attachmentFileIterator{
		fileIterator: fileIterator{
			file:          file,
			scanner:       newLineScanner(file),
			skip:          offset,
			modifiedSince: modifiedSince,
		},
	}, nil
}

// Close implements Source. Iterators hold their own file handles.
func (source *FileSource) Close() error { return nil }

func newLineScanner(file *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(file)
	// Records with many cross-references exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

type fileIterator struct {
	file          *os.File
	scanner       *bufio.Scanner
	skip          int64
	modifiedSince *time.Time
	err           error
	closed        bool
}

// nextLine returns the next record line matching the modified-since
// cursor, honoring the initial offset.
func (iterator *fileIterator) nextLine(unmarshal func([]byte) (*time.Time, error)) ([]byte, bool) {
	if iterator.err != nil || iterator.closed {
		return nil, false
	}
	for iterator.scanner.Scan() {
		line := iterator.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		modified, err := unmarshal(line)
		if err != nil {
			iterator.fail(err)
			return nil, false
		}
		if iterator.modifiedSince != nil &&
			(modified == nil || !modified.After(*iterator.modifiedSince)) {
			continue
		}
		if iterator.skip > 0 {
			iterator.skip--
			continue
		}
		return line, true
	}
	iterator.fail(iterator.scanner.Err())
	return nil, false
}

func (iterator *fileIterator) fail(err error) {
	if err != nil && iterator.err == nil {
		iterator.err = Error.Wrap(err)
	}
	if !iterator.closed {
		iterator.closed = true
		if err := iterator.file.Close(); err != nil && iterator.err == nil {
			iterator.err = Error.Wrap(err)
		}
	}
}

func (iterator *fileIterator) Err() error { return iterator.err }

// objectLine is the export file schema of one object record.
type objectLine struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	CreatedDate   *time.Time `json:"created_date"`
	ModifiedDate  *time.Time `json:"modified_date"`
	MultimediaIDs []int64    `json:"multimedia_ids"`
	XMLHash       string     `json:"xml_hash"`
}

type objectFileIterator struct {
	fileIterator
}

func (iterator *objectFileIterator) Next(ctx context.Context, record *ObjectRecord) bool {
	if ctx.Err() != nil {
		iterator.fail(ctx.Err())
		return false
	}
	line, ok := iterator.nextLine(func(data []byte) (*time.Time, error) {
		var probe struct {
			ModifiedDate *time.Time `json:"modified_date"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, err
		}
		return probe.ModifiedDate, nil
	})
	if !ok {
		return false
	}

	var parsed objectLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		iterator.fail(err)
		return false
	}
	*record = ObjectRecord{
		ID:            parsed.ID,
		Title:         parsed.Title,
		CreatedDate:   parsed.CreatedDate,
		ModifiedDate:  parsed.ModifiedDate,
		MultimediaIDs: parsed.MultimediaIDs,
		XMLHash:       parsed.XMLHash,
	}
	return true
}

// attachmentLine is the export file schema of one attachment record.
type attachmentLine struct {
	ID           int64      `json:"id"`
	Filename     string     `json:"filename"`
	CreatedDate  *time.Time `json:"created_date"`
	ModifiedDate *time.Time `json:"modified_date"`
	ObjectIDs    []int64    `json:"object_ids"`
	XMLHash      string     `json:"xml_hash"`
}

type attachmentFileIterator struct {
	fileIterator
}

func (iterator *attachmentFileIterator) Next(ctx context.Context, record *AttachmentRecord) bool {
	if ctx.Err() != nil {
		iterator.fail(ctx.Err())
		return false
	}
	line, ok := iterator.nextLine(func(data []byte) (*time.Time, error) {
		var probe struct {
			ModifiedDate *time.Time `json:"modified_date"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, err
		}
		return probe.ModifiedDate, nil
	})
	if !ok {
		return false
	}

	var parsed attachmentLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		iterator.fail(err)
		return false
	}
	*record = AttachmentRecord{
		ID:           parsed.ID,
		Filename:     parsed.Filename,
		CreatedDate:  parsed.CreatedDate,
		ModifiedDate: parsed.ModifiedDate,
		ObjectIDs:    parsed.ObjectIDs,
		XMLHash:      parsed.XMLHash,
	}
	return true
}

var (
	_ Source             = (*FileSource)(nil)
	_ ObjectIterator     = (*objectFileIterator)(nil)
	_ AttachmentIterator = (*attachmentFileIterator)(nil)
)
