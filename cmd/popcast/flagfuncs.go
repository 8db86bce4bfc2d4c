package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"popcast.app/popcast/castmeta"
	"popcast.app/popcast/devices"
)

func listFlagFunction(list []devices.Device) error {
	if len(list) == 0 {
		return devices.ErrNoDeviceAvailable
	}
	fmt.Println()

	for i, d := range list {
		boldStart := ""
		boldEnd := ""

		if runtime.GOOS == "linux" {
			boldStart = "\033[1m"
			boldEnd = "\033[0m"
		}
		fmt.Printf("%sDevice %v%s\n", boldStart, i+1, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s  %s\n", boldStart, boldEnd, d.Name)
		fmt.Printf("%sModel:%s %s\n", boldStart, boldEnd, d.Model)
		fmt.Printf("%sID:%s    %s\n", boldStart, boldEnd, d.ID)
		fmt.Printf("%sAddr:%s  %s\n", boldStart, boldEnd, d.Addr)
		fmt.Println()
	}

	return nil
}

func checkflags() error {
	if err := checkMediaflags(); err != nil {
		return errors.Wrap(err, "checkflags error")
	}

	if err := checkSflag(); err != nil {
		return errors.Wrap(err, "checkflags error")
	}

	if _, err := castmeta.ParseKind(*kindArg); err != nil {
		return errors.Wrap(err, "checkflags error")
	}

	return nil
}

func checkMediaflags() error {
	if *videoArg != "" && *magnetArg != "" {
		return errors.New("-v and -m can't be used together")
	}

	if *videoArg != "" {
		if _, err := os.Stat(*videoArg); err != nil {
			return errors.Wrap(err, "checkVflag error")
		}
	}

	if *magnetArg != "" {
		u, err := url.Parse(*magnetArg)
		if err != nil {
			return errors.Wrap(err, "checkMflag parse error")
		}
		if u.Scheme != "magnet" {
			return errors.Errorf("checkMflag error: not a magnet link: %s", *magnetArg)
		}
	}

	return nil
}

func checkSflag() error {
	if *subsArg != "" {
		if isRemote(*subsArg) {
			if _, err := url.ParseRequestURI(*subsArg); err != nil {
				return errors.Wrap(err, "checkSflag parse error")
			}
			return nil
		}
		if _, err := os.Stat(*subsArg); err != nil {
			return errors.Wrap(err, "checkSflag error")
		}
		return nil
	}

	if *videoArg == "" {
		return nil
	}

	// no -s given, try an .srt next to the video
	guess := strings.TrimSuffix(*videoArg, filepath.Ext(*videoArg)) + ".srt"
	if _, err := os.Stat(guess); err == nil {
		*subsArg = guess
	}

	return nil
}

func checkVerflag() {
	if *versionPtr {
		fmt.Printf("popcast Version: %s, ", version)
		fmt.Printf("Build: %s\n", build)
		os.Exit(0)
	}
}

func isRemote(link string) bool {
	l := strings.ToLower(link)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
