package adb

// Intent names an activity to start with "am start".
type Intent struct {
	Action    string
	Package   string
	Component string
	DataURI   string // optional; adds "-d <uri>"
}

// Args returns the activity manager argument vector for the intent.
func (i Intent) Args() []string {
	args := []string{"am", "start", "-a", i.Action, "-n", i.Package + "/" + i.Component}
	if i.DataURI != "" {
		args = append(args, "-d", i.DataURI)
	}
	return args
}
