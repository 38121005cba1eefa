package isorun

// Version is the release version reported to guest code.
const Version = "0.4.0"

// UserAgent identifies this host in bootstrap options.
func UserAgent() string {
	return "isorun/" + Version
}
