// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package wsi

import "os"

func init() {
	if err := initGLFW(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		initDummy()
	}
}
