package cmd

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"askanna/pkg/api"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// fs is the filesystem push and download work on.
var fs = afero.NewOsFs()

// skipDirs are never packaged.
var skipDirs = map[string]bool{".git": true, "__pycache__": true, ".venv": true, "node_modules": true}

var pushCmd = &cobra.Command{
	Use:   "push [project_suuid] [path]",
	Short: "Upload code as a new package of a project",
	Long: `Upload a directory or a zip archive as the new package of a project.

A directory is zipped first. The archive is uploaded in parts; the platform
reads the askanna.yml of the package and updates jobs and schedules.

Example:
  askanna push 1234-abcd-5678-efgh .
  askanna push 1234-abcd-5678-efgh build/code.zip --chunk-size 50`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		projectSUUID := args[0]
		path := "."
		if len(args) > 1 {
			path = args[1]
		}
		chunkMiB, _ := cmd.Flags().GetInt("chunk-size")
		if chunkMiB <= 0 {
			cmd.Println("Error: --chunk-size must be positive")
			return
		}

		if !requireToken(cmd) {
			return
		}

		name, archive, err := packageArchive(path)
		if err != nil {
			cmd.Printf("Failed to prepare package: %v\n", err)
			return
		}

		file, err := uploadPackage(newClient(), projectSUUID, name, archive, chunkMiB<<20)
		if err != nil {
			cmd.Printf("Push failed: %v\n", err)
			return
		}
		cmd.Printf("📦 Package pushed!\nPackage: %s\nFile: %s (%d bytes, md5 %s)\n", file.Owner, file.SUUID, file.Size, file.ETag)
	},
}

// packageArchive returns the archive name and bytes of path. Zip files are
// sent as they are.
func packageArchive(path string) (string, []byte, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".zip") {
			return "", nil, fmt.Errorf("%s is neither a directory nor a zip archive", path)
		}
		b, err := afero.ReadFile(fs, path)
		return filepath.Base(path), b, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	if err := zipDir(&buf, path); err != nil {
		return "", nil, err
	}
	return filepath.Base(abs) + ".zip", buf.Bytes(), nil
}

func zipDir(w io.Writer, root string) error {
	zw := zip.NewWriter(w)
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// uploadPackage registers a package and uploads archive in parts of chunk
// bytes. A failed upload is aborted.
func uploadPackage(c *Client, projectSUUID, name string, archive []byte, chunk int) (file *api.FileResponse, err error) {
	created, err := c.CreatePackage(api.CreatePackageRequest{Project: projectSUUID, Name: name, Size: int64(len(archive))})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = c.AbortUpload(created.SUUID)
		}
	}()

	var parts []api.UploadPart
	for n, off := 1, 0; off < len(archive) || n == 1; n, off = n+1, off+chunk {
		part := archive[off:min(off+chunk, len(archive))]
		etag := md5Hex(part)
		if err := c.UploadPart(created.SUUID, n, part, etag); err != nil {
			return nil, fmt.Errorf("part %d: %w", n, err)
		}
		parts = append(parts, api.UploadPart{PartNumber: n, ETag: etag})
	}

	return c.CompleteUpload(created.SUUID, api.CompleteUploadRequest{
		Parts:       parts,
		ETag:        md5Hex(archive),
		Size:        int64(len(archive)),
		ContentType: "application/zip",
	})
}

func init() {
	pushCmd.Flags().Int("chunk-size", 10, "Size of the uploaded parts in MiB")
	rootCmd.AddCommand(pushCmd)
}
