package badgerstore

import "github.com/golang/glog"

// glogLogger routes badger's internal logging into glog.  Badger is chatty at
// info level, so its info and debug output only shows up with -v.
type glogLogger struct{}

func (glogLogger) Errorf(format string, args ...interface{}) {
	glog.Errorf("badger: "+format, args...)
}

func (glogLogger) Warningf(format string, args ...interface{}) {
	glog.Warningf("badger: "+format, args...)
}

func (glogLogger) Infof(format string, args ...interface{}) {
	glog.V(1).Infof("badger: "+format, args...)
}

func (glogLogger) Debugf(format string, args ...interface{}) {
	glog.V(2).Infof("badger: "+format, args...)
}
