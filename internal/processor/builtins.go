package processor

// NewDefault returns a registry with every builtin artifact kind bound.
// One processor per kind; variants of the same format share one routine.
func NewDefault() *Registry {
	r := NewRegistry()

	r.MustRegister(Match{
		Extensions: []string{"png", "jpg", "jpeg", "gif", "webp", "bmp", "tiff", "svg", "ico"},
		MIMETypes:  []string{"image/"},
		Magic: []Magic{
			{Bytes: []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}}, // PNG
			{Bytes: []byte{0xff, 0xd8, 0xff}},                               // JPEG
			{Bytes: []byte("GIF87a")},
			{Bytes: []byte("GIF89a")},
			{Bytes: []byte("BM")},
		},
	}, NewAnalyzer("image", "image"))

	r.MustRegister(Match{
		Extensions: []string{"mp4", "mkv", "avi", "mov", "webm", "flv", "wmv"},
		MIMETypes:  []string{"video/"},
		Magic: []Magic{
			{Offset: 4, Bytes: []byte("ftyp")},      // ISO BMFF (mp4/mov)
			{Bytes: []byte{0x1a, 0x45, 0xdf, 0xa3}}, // Matroska/WebM
		},
	}, NewAnalyzer("video", "video"))

	r.MustRegister(Match{
		Extensions: []string{"mp3", "wav", "ogg", "flac", "m4a", "aac", "opus"},
		MIMETypes:  []string{"audio/"},
		Magic: []Magic{
			{Bytes: []byte("ID3")},
			{Bytes: []byte("fLaC")},
			{Bytes: []byte("OggS")},
		},
	}, NewAnalyzer("audio", "audio"))

	r.MustRegister(Match{
		Extensions: []string{
			"pdf", "doc", "docx", "ppt", "pptx", "xls", "xlsx",
			"odt", "odp", "ods", "rtf", "epub",
		},
		MIMETypes: []string{
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.ms-powerpoint",
			"application/vnd.ms-excel",
		},
		Magic: []Magic{
			{Bytes: []byte("%PDF")},
			{Bytes: []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}}, // OLE compound
		},
	}, NewAnalyzer("document", "document"))

	r.MustRegister(Match{
		Extensions: []string{"zip", "tar", "gz", "tgz", "bz2", "xz", "zst", "lz4", "7z", "rar"},
		MIMETypes: []string{
			"application/zip",
			"application/x-tar",
			"application/gzip",
			"application/zstd",
			"application/x-7z-compressed",
			"application/vnd.rar",
		},
		Magic: []Magic{
			{Bytes: []byte("PK\x03\x04")},
			{Bytes: []byte{0x1f, 0x8b}},
			{Bytes: []byte{0x28, 0xb5, 0x2f, 0xfd}},
			{Bytes: []byte{0x04, 0x22, 0x4d, 0x18}},
			{Bytes: []byte("7z\xbc\xaf\x27\x1c")},
			{Bytes: []byte("Rar!\x1a\x07")},
			{Offset: 257, Bytes: []byte("ustar")},
		},
	}, NewAnalyzer("archive", "archive"))

	r.MustRegister(Match{
		Extensions: []string{"exe", "dll", "msi", "so", "dylib", "elf", "com", "scr"},
		MIMETypes: []string{
			"application/x-dosexec",
			"application/x-msdownload",
			"application/x-executable",
			"application/x-sharedlib",
			"application/x-mach-binary",
		},
		Magic: []Magic{
			{Bytes: []byte("MZ")},
			{Bytes: []byte{0x7f, 0x45, 0x4c, 0x46}}, // ELF
			{Bytes: []byte{0xcf, 0xfa, 0xed, 0xfe}}, // Mach-O 64
		},
	}, NewAnalyzer("executable", "executable"))

	r.MustRegister(Match{
		Extensions: []string{"ttf", "otf", "woff", "woff2"},
		MIMETypes:  []string{"font/"},
		Magic: []Magic{
			{Bytes: []byte{0x00, 0x01, 0x00, 0x00, 0x00}}, // TrueType
			{Bytes: []byte("OTTO")},
			{Bytes: []byte("wOFF")},
			{Bytes: []byte("wOF2")},
		},
	}, NewAnalyzer("font", "font"))

	r.MustRegister(Match{
		Extensions: []string{"db", "sqlite", "sqlite3", "sql"},
		MIMETypes:  []string{"application/vnd.sqlite3", "application/x-sqlite3"},
		Magic: []Magic{
			{Bytes: []byte("SQLite format 3\x00")},
		},
	}, NewAnalyzer("database", "database"))

	r.MustRegister(Match{
		Extensions: []string{
			"txt", "md", "log", "json", "csv", "tsv", "xml",
			"yaml", "yml", "toml", "ini", "html", "htm", "css", "js", "py", "sh", "go",
		},
		MIMETypes: []string{"text/", "application/json", "application/xml"},
	}, NewAnalyzer("text", "text"))

	return r
}
