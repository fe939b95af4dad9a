// Package rules is the minimal rule engine workers apply to devices.
//
// Rules live in TOML files under the rules directory. Matching uses go-udev
// rule definitions (regular expressions over the action and uevent
// properties). A matching rule may run programs with the device environment
// and may ask for the device node to be watched for writes. Run entries are
// split with shell quoting rules before $NAME references are expanded.
package rules
