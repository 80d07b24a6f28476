//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Streams the scene named by $VRSTREAM_SCENE for 900 frames into stream.h264.
func (Run) Stream() error {
	mg.Deps(Build.Binary)

	args := []string{"-frames", "900", "-out", "stream.h264"}
	if scene := os.Getenv("VRSTREAM_SCENE"); scene != "" {
		args = append(args, "-scene", scene)
	}
	fmt.Println("Run vrstream...")
	if _, err := executeCmd("bin/vrstream", withArgs(args...), withStream()); err != nil {
		return err
	}
	return nil
}

// Streams with the vulkan scene device and no pacing.
func (Run) Vulkan() error {
	mg.Deps(Build.Binary)

	if _, err := executeCmd("bin/vrstream", withArgs("-device", "vulkan", "-unpaced", "-frames", "300"), withDir("."), withStream()); err != nil {
		return err
	}
	return nil
}
