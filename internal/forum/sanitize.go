package forum

import (
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"examhub/internal/model"
)

// newPolicy is the user-content allow-list plus the block elements the
// editor produces.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "pre", "code", "span", "div", "h1", "h2", "h3", "h4", "h5", "h6")
	return p
}

var kindByExt = map[string]model.AttachmentKind{
	"jpg": model.KindImage, "jpeg": model.KindImage, "png": model.KindImage, "gif": model.KindImage,
	"webp": model.KindImage, "bmp": model.KindImage, "svg": model.KindImage,

	"mp4": model.KindVideo, "webm": model.KindVideo, "ogg": model.KindVideo,
	"mov": model.KindVideo, "mkv": model.KindVideo,

	"pdf": model.KindDocument, "doc": model.KindDocument, "docx": model.KindDocument,
	"xls": model.KindDocument, "xlsx": model.KindDocument, "ppt": model.KindDocument,
	"pptx": model.KindDocument, "txt": model.KindDocument,

	"zip": model.KindArchive, "rar": model.KindArchive, "7z": model.KindArchive,
}

// KindOf classifies a file name by extension. ok is false for anything
// outside the allowed set.
func KindOf(name string) (kind model.AttachmentKind, ok bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	kind, ok = kindByExt[ext]
	return kind, ok
}

// scriptable images can carry script and are never rendered inline.
func scriptable(name string) bool {
	return strings.EqualFold(path.Ext(name), ".svg")
}

func isZip(a *model.Attachment) bool {
	return strings.EqualFold(path.Ext(a.Name), ".zip")
}
