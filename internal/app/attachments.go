package app

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/roach88/convo/internal/docstore"
	"github.com/roach88/convo/internal/ir"
)

// MaxAttachmentSize bounds a single attachment.
const MaxAttachmentSize = 32 << 20

// SaveAttachment stores data as name under the thread's attachment
// directory and returns the reference to put on a message.
func (w *Workspace) SaveAttachment(ctx context.Context, threadID, name string, data []byte) (ir.Attachment, error) {
	const op = "workspace.attach"
	if _, err := w.requireThread(ctx, op, threadID); err != nil {
		return ir.Attachment{}, err
	}
	if err := ctx.Err(); err != nil {
		return ir.Attachment{}, err
	}
	if err := checkAttachmentName(name); err != nil {
		return ir.Attachment{}, ir.NewError(ir.ErrCodeValidation, op, "", err)
	}
	if len(data) > MaxAttachmentSize {
		return ir.Attachment{}, ir.NewError(ir.ErrCodeValidation, op, name, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize))
	}

	a := describeAttachment(threadID, name)
	abs, err := w.scope.Resolve(a.Path)
	if err != nil {
		return ir.Attachment{}, err
	}
	if err := docstore.WriteFileAtomic(abs, data); err != nil {
		return ir.Attachment{}, fmt.Errorf("%s: %w", op, err)
	}

	w.logger.Debug("attachment saved", "thread_id", threadID, "name", name, "bytes", len(data))
	return a, nil
}

// ReadAttachment loads a file saved with SaveAttachment.
func (w *Workspace) ReadAttachment(ctx context.Context, threadID, name string) (ir.Attachment, []byte, error) {
	const op = "workspace.read_attachment"
	if _, err := w.requireThread(ctx, op, threadID); err != nil {
		return ir.Attachment{}, nil, err
	}
	if err := checkAttachmentName(name); err != nil {
		return ir.Attachment{}, nil, ir.NewError(ir.ErrCodeValidation, op, "", err)
	}

	a := describeAttachment(threadID, name)
	abs, err := w.scope.Resolve(a.Path)
	if err != nil {
		return ir.Attachment{}, nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return ir.Attachment{}, nil, ir.NewError(ir.ErrCodeNotFound, op, a.Path, err)
	}
	if err != nil {
		return ir.Attachment{}, nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, data, nil
}

func describeAttachment(threadID, name string) ir.Attachment {
	mt := mime.TypeByExtension(path.Ext(name))
	kind := "file"
	if strings.HasPrefix(mt, "image/") {
		kind = "image"
	}
	return ir.Attachment{Type: kind, Path: attachmentPath(threadID, name), MimeType: mt}
}

// checkAttachmentRefs rejects references that do not name a file in the
// thread's own attachment directory.
func checkAttachmentRefs(op, threadID string, refs []ir.Attachment) error {
	for _, a := range refs {
		name := path.Base(a.Path)
		if checkAttachmentName(name) != nil || a.Path != attachmentPath(threadID, name) {
			return ir.NewError(ir.ErrCodeValidation, op, "", fmt.Errorf("attachment %q is not in this thread", a.Path))
		}
	}
	return nil
}

func checkAttachmentName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid attachment name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("attachment name %q contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("attachment name %q is hidden", name)
	}
	return nil
}
