package geom

import "gonum.org/v1/gonum/spatial/r3"

// visionToRobot maps vision camera axes (X right, Y down, Z forward) onto
// robot field axes (X forward, Y left, Z up).
var visionToRobot = Mat3{
	{0, 0, 1},
	{-1, 0, 0},
	{0, -1, 0},
}

// ToRobotFrameMatrix re-expresses a rotation given in vision axes in robot
// axes: T·M·Tᵗ.
func ToRobotFrameMatrix(m Mat3) Mat3 {
	return visionToRobot.Mul(m).Mul(visionToRobot.T())
}

// ToVisionFrameMatrix is the inverse of ToRobotFrameMatrix: Tᵗ·M·T.
func ToVisionFrameMatrix(m Mat3) Mat3 {
	return visionToRobot.T().Mul(m).Mul(visionToRobot)
}

// ToRobotFrameVec re-expresses a vision-axis vector in robot axes.
func ToRobotFrameVec(v r3.Vec) r3.Vec {
	return visionToRobot.MulVec(v)
}

// ToVisionFrameVec re-expresses a robot-axis vector in vision axes.
func ToVisionFrameVec(v r3.Vec) r3.Vec {
	return visionToRobot.T().MulVec(v)
}

// ToRobotFrame converts a pose whose source and target frames both use
// vision axes into the same transform expressed with robot axes.
func ToRobotFrame(p Pose3) Pose3 {
	return Pose3{
		Translation: ToRobotFrameVec(p.Translation),
		Rotation:    RotationFromMatrix(ToRobotFrameMatrix(p.Rotation.Matrix())),
	}
}

// ToVisionFrame is the inverse of ToRobotFrame.
func ToVisionFrame(p Pose3) Pose3 {
	return Pose3{
		Translation: ToVisionFrameVec(p.Translation),
		Rotation:    RotationFromMatrix(ToVisionFrameMatrix(p.Rotation.Matrix())),
	}
}
