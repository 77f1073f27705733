package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/falk/nca-go/pkg/keys"
	"github.com/falk/nca-go/pkg/nca"
	"github.com/falk/nca-go/pkg/storage"
)

var (
	flagKeys     string
	flagVerbose  bool
	flagSection  int
	flagBase     string
	flagTitleKey string

	log = logrus.New()
)

func main() {
	root := &cobra.Command{
		Use:           "nca",
		Short:         "Inspect and extract Nintendo Content Archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagKeys, "keys", "k", "", "path to prod.keys")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	info := &cobra.Command{
		Use:   "info <file>",
		Short: "Show header and section layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	ls := &cobra.Command{
		Use:   "ls <file>",
		Short: "List file-system contents",
		Args:  cobra.ExactArgs(1),
		RunE:  runLs,
	}

	extract := &cobra.Command{
		Use:   "extract <file> <outdir>",
		Short: "Extract file-system contents",
		Args:  cobra.ExactArgs(2),
		RunE:  runExtract,
	}

	for _, c := range []*cobra.Command{ls, extract} {
		c.Flags().IntVarP(&flagSection, "section", "s", -1, "section index (default: all)")
		c.Flags().StringVar(&flagBase, "base", "", "base application NCA for patch (BKTR) sections")
		c.Flags().StringVar(&flagTitleKey, "title-key", "", "pre-decrypted title key (hex)")
	}
	info.Flags().StringVar(&flagTitleKey, "title-key", "", "pre-decrypted title key (hex)")

	root.AddCommand(info, ls, extract)

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func loadKeys() (*keys.Store, error) {
	if flagKeys != "" {
		return keys.Open(flagKeys)
	}
	ks, err := keys.OpenDefault()
	if err != nil {
		return nil, fmt.Errorf("no keys loaded, pass -k or place prod.keys in ~/.switch: %w", err)
	}
	return ks, nil
}

func openArchive(ctx context.Context, ks *keys.Store, path string) (*nca.Archive, error) {
	r, _, err := storage.OpenFile(path)
	if err != nil {
		return nil, err
	}

	opts := []nca.Option{nca.WithLogger(log)}

	if flagTitleKey != "" {
		raw, err := hex.DecodeString(flagTitleKey)
		if err != nil || len(raw) != 16 {
			return nil, fmt.Errorf("title key must be 32 hex digits")
		}
		var tk [16]byte
		copy(tk[:], raw)
		opts = append(opts, nca.WithTitleKey(tk))
	}

	if flagBase != "" {
		base, err := openBaseRomFS(ctx, ks, flagBase)
		if err != nil {
			return nil, fmt.Errorf("open base %s: %w", flagBase, err)
		}
		opts = append(opts, nca.WithBase(base))
	}

	return nca.OpenArchive(ctx, r, ks, opts...)
}

// openBaseRomFS opens the base application NCA and returns its plain
// RomFS section for use under a patch overlay.
func openBaseRomFS(ctx context.Context, ks *keys.Store, path string) (*nca.Section, error) {
	r, _, err := storage.OpenFile(path)
	if err != nil {
		return nil, err
	}
	a, err := nca.OpenArchive(ctx, r, ks, nca.WithLogger(log))
	if err != nil {
		return nil, err
	}
	for i := 0; i < 4; i++ {
		s, err := a.Section(i)
		if err != nil {
			continue
		}
		fsh := s.FsHeader()
		if fsh.FsType == nca.FsTypeRomFS && fsh.CryptType != nca.CryptBKTR {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no RomFS section in base NCA")
}

var contentTypeNames = map[byte]string{
	nca.ContentProgram:    "Program",
	nca.ContentMeta:       "Meta",
	nca.ContentControl:    "Control",
	nca.ContentManual:     "Manual",
	nca.ContentData:       "Data",
	nca.ContentPublicData: "PublicData",
}

var cryptNames = map[byte]string{
	nca.CryptNone: "none",
	nca.CryptXTS:  "xts",
	nca.CryptCTR:  "ctr",
	nca.CryptBKTR: "bktr",
}

func runInfo(cmd *cobra.Command, args []string) error {
	ks, err := loadKeys()
	if err != nil {
		return err
	}
	a, err := openArchive(cmd.Context(), ks, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	h := a.Header()
	ct := contentTypeNames[h.ContentType]
	if ct == "" {
		ct = fmt.Sprintf("unknown (%d)", h.ContentType)
	}

	fmt.Printf("Magic:          %s\n", h.Magic[:])
	fmt.Printf("Content type:   %s\n", ct)
	fmt.Printf("Title ID:       %016X\n", h.TitleID)
	fmt.Printf("Content size:   %s\n", humanize.IBytes(h.ContentSize))
	fmt.Printf("Key generation: %d\n", h.KeyGeneration())
	if h.HasRights() {
		fmt.Printf("Rights ID:      %X\n", h.RightsID)
	}

	for i := 0; i < 4; i++ {
		s, err := a.Section(i)
		if err != nil {
			continue
		}
		fsh := s.FsHeader()
		fsType := "RomFS"
		if fsh.FsType == nca.FsTypePFS0 {
			fsType = "PFS0"
			if v, err := a.OpenPFS0(cmd.Context(), i); err == nil && v.IsExeFS() {
				fsType = "ExeFS"
			}
		}
		fmt.Printf("Section %d:      %-5s crypt=%-4s size=%s\n",
			i, fsType, cryptNames[fsh.CryptType], humanize.IBytes(uint64(s.Size())))
	}
	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	ks, err := loadKeys()
	if err != nil {
		return err
	}
	a, err := openArchive(cmd.Context(), ks, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	return forEachSection(a, func(i int, fsh *nca.FsHeader) error {
		fmt.Printf("section %d:\n", i)
		if fsh.FsType == nca.FsTypePFS0 {
			v, err := a.OpenPFS0(cmd.Context(), i)
			if err != nil {
				return err
			}
			for j := 0; j < v.EntryCount(); j++ {
				fmt.Printf("  %-40s %s\n", v.Name(j), humanize.IBytes(v.Entry(j).Size))
			}
			return nil
		}

		v, err := a.OpenRomFS(cmd.Context(), i)
		if err != nil {
			return err
		}
		root, err := v.Root()
		if err != nil {
			return err
		}
		return walkRomFS(v, root, "", func(path string, f nca.FileEntry) error {
			fmt.Printf("  %-40s %s\n", path, humanize.IBytes(f.DataSize))
			return nil
		})
	})
}

func runExtract(cmd *cobra.Command, args []string) error {
	ks, err := loadKeys()
	if err != nil {
		return err
	}
	a, err := openArchive(cmd.Context(), ks, args[0])
	if err != nil {
		return err
	}
	defer a.Close()
	outDir := args[1]

	return forEachSection(a, func(i int, fsh *nca.FsHeader) error {
		secDir := filepath.Join(outDir, fmt.Sprintf("section%d", i))
		if fsh.FsType == nca.FsTypePFS0 {
			return extractPFS0(cmd.Context(), a, i, secDir)
		}
		return extractRomFS(cmd.Context(), a, i, secDir)
	})
}

func forEachSection(a *nca.Archive, fn func(int, *nca.FsHeader) error) error {
	for i := 0; i < 4; i++ {
		if flagSection >= 0 && i != flagSection {
			continue
		}
		s, err := a.Section(i)
		if err != nil {
			if flagSection == i {
				return err
			}
			continue
		}
		if err := fn(i, s.FsHeader()); err != nil {
			return err
		}
	}
	return nil
}

const extractChunk = 1 << 20

func extractPFS0(ctx context.Context, a *nca.Archive, section int, outDir string) error {
	v, err := a.OpenPFS0(ctx, section)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	for i := 0; i < v.EntryCount(); i++ {
		path := filepath.Join(outDir, v.Name(i))
		log.WithField("file", path).Debug("extracting")

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		size := int64(v.Entry(i).Size)
		for off := int64(0); off < size; off += extractChunk {
			n := size - off
			if n > extractChunk {
				n = extractChunk
			}
			p, err := v.ReadEntry(ctx, i, off, n)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(p); err != nil {
				f.Close()
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func extractRomFS(ctx context.Context, a *nca.Archive, section int, outDir string) error {
	v, err := a.OpenRomFS(ctx, section)
	if err != nil {
		return err
	}
	root, err := v.Root()
	if err != nil {
		return err
	}

	return walkRomFS(v, root, "", func(path string, fe nca.FileEntry) error {
		dst := filepath.Join(outDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		log.WithField("file", dst).Debug("extracting")

		f, err := os.Create(dst)
		if err != nil {
			return err
		}
		for off := int64(0); off < int64(fe.DataSize); off += extractChunk {
			n := int64(fe.DataSize) - off
			if n > extractChunk {
				n = extractChunk
			}
			p, err := v.ReadFile(ctx, fe, off, n)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(p); err != nil {
				f.Close()
				return err
			}
		}
		return f.Close()
	})
}

// walkRomFS visits every file under dir, depth first.
func walkRomFS(v *nca.RomFsView, dir nca.DirEntry, prefix string, fn func(string, nca.FileEntry) error) error {
	files, err := v.Files(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := fn(prefix+f.Name, f); err != nil {
			return err
		}
	}

	dirs, err := v.Dirs(dir)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := walkRomFS(v, d, prefix+d.Name+"/", fn); err != nil {
			return err
		}
	}
	return nil
}
