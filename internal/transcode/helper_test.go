package transcode

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// helperCommand runs this test binary as a fake ffmpeg in the given mode.
func helperCommand(mode string) CommandFunc {
	return func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
}

// TestHelperProcess is not a real test. It impersonates ffmpeg: it reads the
// output layout from the arguments and writes fake segments and playlists.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	os.Exit(fakeFFmpeg(args[2:], os.Getenv("HELPER_MODE")))
}

func fakeFFmpeg(args []string, mode string) int {
	out := filepath.Dir(filepath.Dir(args[len(args)-1]))
	var names []string
	var encoder string
	var silent bool
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-var_stream_map":
			for _, entry := range strings.Fields(args[i+1]) {
				for _, kv := range strings.Split(entry, ",") {
					if name, ok := strings.CutPrefix(kv, "name:"); ok {
						names = append(names, name)
					}
				}
			}
		case "-c:v":
			encoder = args[i+1]
		case "-i":
			silent = silent || args[i+1] == silentAudioSource
		}
	}

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "playlist.ffconcat: Invalid data found when processing input")
		return 1
	case "hwfail":
		if encoder != "libx264" {
			fmt.Fprintln(os.Stderr, "[h264_nvenc @ 0x5581] Cannot load libcuda.so.1")
			fmt.Fprintln(os.Stderr, "Error while opening encoder for output stream #0:0")
			return 1
		}
		return produceSegments(out, names, -1)
	case "noaudio":
		if !silent {
			fmt.Fprintln(os.Stderr, "Stream map '0:a:0' matches no streams.")
			return 1
		}
		return produceSegments(out, names, -1)
	case "empty":
		return 0
	case "finish":
		return produceSegments(out, names, 2)
	default:
		return produceSegments(out, names, -1)
	}
}

// produceSegments writes one segment per quality every 50ms, n times or
// forever when n < 0.
func produceSegments(out string, names []string, n int) int {
	var uris []string
	for i := 0; n < 0 || i < n; i++ {
		uri := fmt.Sprintf("seg_%05d.ts", i)
		uris = append(uris, uri)
		first := 0
		if len(uris) > 10 {
			first = len(uris) - 10
		}
		for _, name := range names {
			dir := filepath.Join(out, name)
			if err := os.WriteFile(filepath.Join(dir, uri), []byte(name+":"+uri), 0o644); err != nil {
				return 3
			}
			if err := writeFakePlaylist(dir, first, uris[first:]); err != nil {
				return 3
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return 0
}

// writeFakePlaylist replaces dir/index.m3u8 the way ffmpeg does, through a
// temporary file and a rename.
func writeFakePlaylist(dir string, mediaSequence int, uris []string) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	for _, uri := range uris {
		fmt.Fprintf(&b, "#EXTINF:1.000000,\n%s\n", uri)
	}
	tmp := filepath.Join(dir, variantPlaylist+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, variantPlaylist))
}
