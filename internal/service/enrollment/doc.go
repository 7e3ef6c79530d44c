// Package enrollment implements enrollment lifecycle management: signing a
// contact up for a campaign, and the pause/resume transitions driven by
// reply signals from the surrounding application.
//
// The engine itself never enrolls anyone; it only advances enrollments this
// package creates. Repository implementations live in repository/postgres/.
package enrollment
