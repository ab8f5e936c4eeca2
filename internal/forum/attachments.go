package forum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"examhub/internal/apperr"
	"examhub/internal/blob"
	"examhub/internal/hub"
	"examhub/internal/logger"
	"examhub/internal/model"
)

// Upload stores a file as a pending attachment of uploader. It is linked to
// a message by a later Post.
func (s *Service) Upload(ctx context.Context, uploader model.Identity, name string, r io.Reader) (model.AttachmentView, error) {
	if !canParticipate(uploader) {
		return model.AttachmentView{}, ErrNoAccess
	}
	name = blob.SafeName(name)
	kind, ok := KindOf(name)
	if !ok {
		return model.AttachmentView{}, ErrUnsupportedType
	}

	obj, err := s.blobs.Save(ctx, attachmentPrefix, name, r)
	if err != nil {
		return model.AttachmentView{}, err
	}
	a, err := s.store.CreateAttachment(ctx, &model.Attachment{
		UploadedBy: uploader.UserID,
		Path:       obj.Key,
		Name:       name,
		Size:       obj.Size,
		Digest:     obj.Digest,
		Kind:       kind,
		UploadedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, obj.Key); derr != nil {
			logger.Errorf("[forum] ❌ Failed to remove orphaned upload %s: %v", obj.Key, derr)
		}
		return model.AttachmentView{}, err
	}
	logger.Infof("[forum] ✅ Uploaded attachment %s (%s, %d bytes) by %s", a.ID, a.Name, a.Size, uploader.UserID)
	return model.ViewAttachment(a), nil
}

// DeleteAttachment removes an attachment and its bytes. The owning
// message's author or staff may delete it; a pending upload belongs to its
// uploader.
func (s *Service) DeleteAttachment(ctx context.Context, requester model.Identity, id string) error {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}

	var owner *model.Message
	if a.MessageID == nil {
		if a.UploadedBy != requester.UserID && !requester.IsStaff {
			return ErrDeleteForbidden
		}
	} else {
		owner, err = s.store.GetMessage(ctx, *a.MessageID)
		if err != nil {
			return err
		}
		if owner.AuthorID != requester.UserID && !requester.IsStaff {
			return ErrDeleteForbidden
		}
		if owner.Deleted {
			return ErrMessageDeleted
		}
	}

	// 行を先に消す。ファイル削除に失敗しても参照は残らない
	if err := s.store.DeleteAttachment(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, a.Path); err != nil {
		logger.Errorf("[forum] ❌ Failed to remove bytes of attachment %s (%s): %v", id, a.Path, err)
	}
	logger.Infof("[forum] ✅ Deleted attachment %s by %s", id, requester.UserID)

	if owner != nil {
		view, err := s.view(ctx, owner)
		if err != nil {
			return err
		}
		s.publish(ctx, hub.UpdateMessage(view, s.clock.Now()))
	}
	return nil
}

// ServedFile is an attachment opened for streaming.
type ServedFile struct {
	Attachment  *model.Attachment
	File        blob.File
	Info        fs.FileInfo
	ContentType string
	// Inline is set for media the browser can display safely.
	Inline bool
}

// accessible checks that viewer may read a. Pending uploads are private to
// their uploader; attached files follow the message's visibility.
func (s *Service) accessible(ctx context.Context, viewer model.Identity, a *model.Attachment) error {
	if !canParticipate(viewer) {
		return ErrNoAccess
	}
	if a.MessageID == nil {
		if a.UploadedBy == viewer.UserID || viewer.IsStaff {
			return nil
		}
		return ErrAccessDenied
	}
	m, err := s.store.GetMessage(ctx, *a.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return ErrAttachmentNotFound
	}
	if err != nil {
		return err
	}
	if m.Deleted || m.IsHiddenFor(viewer.UserID) {
		return ErrAccessDenied
	}
	return nil
}

// OpenAttachment opens an attachment for viewer.
func (s *Service) OpenAttachment(ctx context.Context, viewer model.Identity, id string) (*ServedFile, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.accessible(ctx, viewer, a); err != nil {
		return nil, err
	}
	f, info, err := s.blobs.Open(ctx, a.Path)
	if err != nil {
		return nil, err
	}

	ctype := mime.TypeByExtension(strings.ToLower(path.Ext(a.Name)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return &ServedFile{
		Attachment:  a,
		File:        f,
		Info:        info,
		ContentType: ctype,
		Inline:      (a.Kind == model.KindImage || a.Kind == model.KindVideo) && !scriptable(a.Name),
	}, nil
}

// ZipExport is the set of attachments of one message, ready to be archived.
type ZipExport struct {
	Filename    string
	s           *Service
	attachments []*model.Attachment
}

// ExportZip prepares an archive of every attachment of a message. Messages
// deleted for everyone can only be exported by staff.
func (s *Service) ExportZip(ctx context.Context, viewer model.Identity, messageID string) (*ZipExport, error) {
	if !canParticipate(viewer) {
		return nil, ErrNoAccess
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if (m.Deleted && !viewer.IsStaff) || m.IsHiddenFor(viewer.UserID) {
		return nil, ErrAccessDenied
	}
	atts, err := s.store.Attachments(ctx, []string{m.ID})
	if err != nil {
		return nil, err
	}
	return &ZipExport{
		Filename:    fmt.Sprintf("attachments_message_%s.zip", m.ID),
		s:           s,
		attachments: atts[m.ID],
	}, nil
}

// Len is the number of files in the archive.
func (z *ZipExport) Len() int { return len(z.attachments) }

// Stream writes the archive to w. Files missing from storage are skipped.
func (z *ZipExport) Stream(ctx context.Context, w io.Writer) error {
	zw := zip.NewWriter(w)
	used := make(map[string]int)
	for _, a := range z.attachments {
		if err := z.add(ctx, zw, a, used); err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				logger.Warnf("[forum] skipping missing file %s of attachment %s", a.Path, a.ID)
				continue
			}
			return err
		}
	}
	return zw.Close()
}

func (z *ZipExport) add(ctx context.Context, zw *zip.Writer, a *model.Attachment, used map[string]int) error {
	f, info, err := z.s.blobs.Open(ctx, a.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := a.Name
	if n := used[name]; n > 0 {
		ext := path.Ext(name)
		name = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	}
	used[a.Name]++

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: info.ModTime()}
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", name, err)
	}
	if _, err := io.Copy(ew, f); err != nil {
		return apperr.Upstream("failed to read attachment", err)
	}
	return nil
}

// ZipEntry describes one member of an archive attachment.
type ZipEntry struct {
	Name           string `json:"name"`
	Size           uint64 `json:"size"`
	CompressedSize uint64 `json:"compressed_size"`
	IsDir          bool   `json:"is_dir"`
}

func (s *Service) openZip(ctx context.Context, viewer model.Identity, id string) (*zip.Reader, blob.File, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.accessible(ctx, viewer, a); err != nil {
		return nil, nil, err
	}
	if !isZip(a) {
		return nil, nil, ErrNotArchive
	}
	f, info, err := s.blobs.Open(ctx, a.Path)
	if err != nil {
		return nil, nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		logger.Errorf("[forum] unreadable archive %s: %v", id, err)
		return nil, nil, apperr.Upstream("failed to read archive", err)
	}
	return zr, f, nil
}

// ZipManifest lists the members of a zip attachment.
func (s *Service) ZipManifest(ctx context.Context, viewer model.Identity, id string) ([]ZipEntry, error) {
	zr, f, err := s.openZip(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]ZipEntry, 0, len(zr.File))
	for _, zf := range zr.File {
		out = append(out, ZipEntry{
			Name:           zf.Name,
			Size:           zf.UncompressedSize64,
			CompressedSize: zf.CompressedSize64,
			IsDir:          zf.FileInfo().IsDir(),
		})
	}
	return out, nil
}

// ZipMember is one extracted member. Close releases the archive too.
type ZipMember struct {
	Name string
	Size int64
	io.ReadCloser
}

type memberReader struct {
	io.ReadCloser
	archive io.Closer
}

func (m memberReader) Close() error {
	err := m.ReadCloser.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// ZipMember opens one member of a zip attachment by its exact name.
func (s *Service) ZipMember(ctx context.Context, viewer model.Identity, id, name string) (*ZipMember, error) {
	if name == "" {
		return nil, apperr.Invalid("missing file parameter")
	}
	zr, f, err := s.openZip(ctx, viewer, id)
	if err != nil {
		return nil, err
	}
	for _, zf := range zr.File {
		if zf.Name != name || zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			f.Close()
			return nil, apperr.Upstream("failed to extract file", err)
		}
		return &ZipMember{
			Name:       path.Base(zf.Name),
			Size:       int64(zf.UncompressedSize64),
			ReadCloser: memberReader{ReadCloser: rc, archive: f},
		}, nil
	}
	f.Close()
	return nil, ErrZipEntryNotFound
}
