// Copyright 2022 Gustavo C. Viegas. All rights reserved.

//go:build darwin

package wsi

import (
	"errors"

	"github.com/go-gl/glfw/v3.3/glfw"
)

// initGLFW initializes the generic (glfw) platform. It backs
// platforms for which this package has no native backend (currently
// darwin), grounded on vulkan-go-asche's platform.go/display.go: a
// single glfw.Init call up front, one *glfw.Window per wsi.Window,
// events pumped from Dispatch via glfw.PollEvents.
func initGLFW() error {
	if err := glfw.Init(); err != nil {
		return err
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	newWindow = newWindowGLFW
	dispatch = dispatchGLFW
	setAppName = setAppNameGLFW
	platform = GLFW
	return nil
}

// deinitGLFW deinitializes the generic (glfw) platform.
func deinitGLFW() {
	if windowCount > 0 {
		for _, w := range createdWindows {
			if w != nil {
				w.Close()
			}
		}
	}
	glfw.Terminate()
	initDummy()
}

// windowGLFW implements Window on top of a *glfw.Window.
type windowGLFW struct {
	win    *glfw.Window
	width  int
	height int
	title  string
	hidden bool
}

// newWindowGLFW creates a new window.
func newWindowGLFW(width, height int, title string) (Window, error) {
	win, err := glfw.CreateWindow(width, height, title, nil, nil)
	if err != nil {
		return nil, err
	}
	w := &windowGLFW{win: win, width: width, height: height, title: title, hidden: true}
	win.SetCloseCallback(func(*glfw.Window) {
		if windowHandler != nil {
			windowHandler.WindowClose(w)
		}
	})
	win.SetSizeCallback(func(_ *glfw.Window, width, height int) {
		w.width, w.height = width, height
		if windowHandler != nil {
			windowHandler.WindowResize(w, width, height)
		}
	})
	return w, nil
}

// GLFWWindow returns the underlying *glfw.Window, letting a Vulkan
// driver create a VkSurfaceKHR for it (glfw.Window.CreateWindowSurface)
// without this package importing github.com/vulkan-go/vulkan itself.
func (w *windowGLFW) GLFWWindow() *glfw.Window { return w.win }

// Map makes the window visible.
func (w *windowGLFW) Map() error {
	if w.hidden {
		w.win.Show()
		w.hidden = false
	}
	return nil
}

// Unmap hides the window.
func (w *windowGLFW) Unmap() error {
	if !w.hidden {
		w.win.Hide()
		w.hidden = true
	}
	return nil
}

// Resize resizes the window.
func (w *windowGLFW) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.New("wsi: width/height less than or equal 0")
	}
	w.win.SetSize(width, height)
	w.width, w.height = width, height
	return nil
}

// SetTitle sets the window's title.
func (w *windowGLFW) SetTitle(title string) error {
	w.win.SetTitle(title)
	w.title = title
	return nil
}

// Close closes the window.
func (w *windowGLFW) Close() {
	w.win.Destroy()
	closeWindow(w)
}

// Width returns the window's width.
func (w *windowGLFW) Width() int { return w.width }

// Height returns the window's height.
func (w *windowGLFW) Height() int { return w.height }

// Title returns the window's title.
func (w *windowGLFW) Title() string { return w.title }

// dispatchGLFW dispatches queued events.
func dispatchGLFW() { glfw.PollEvents() }

// setAppNameGLFW updates the string used to identify the application.
// glfw has no notion of an application name distinct from a window
// title, so this is a no-op, matching the dummy backend's behavior.
func setAppNameGLFW(string) {}
