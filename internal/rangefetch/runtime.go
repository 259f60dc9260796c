package rangefetch

import "runtime"

func defaultGOMAXPROCS() int {
	return runtime.GOMAXPROCS(0)
}
